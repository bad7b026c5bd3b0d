package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/qstore"
	"southwinds.dev/qstore/internal/misc"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Store a new object",
	Long:  "Encrypt and store a new object with optional metadata. Data can be provided via stdin, file, or inline.",
	RunE:  storeObject,
}

var getCmd = &cobra.Command{
	Use:   "get [object-id]",
	Short: "Retrieve an object",
	Long:  "Retrieve and decrypt an object after verifying its integrity tag.",
	Args:  cobra.ExactArgs(1),
	RunE:  getObject,
}

var updateCmd = &cobra.Command{
	Use:   "update [object-id]",
	Short: "Update an existing object",
	Long:  "Replace an object's data and metadata while preserving its id and creation time.",
	Args:  cobra.ExactArgs(1),
	RunE:  updateObject,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [object-id]",
	Short: "Delete an object",
	Long: `Remove an object from the catalog. By default its encrypted data is
securely erased with multi-pass overwriting; --secure=false removes the data
without overwriting.`,
	Args: cobra.ExactArgs(1),
	RunE: deleteObject,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List objects",
	Long:  "List stored objects with their metadata, without decrypting any content.",
	RunE:  listObjects,
}

var infoCmd = &cobra.Command{
	Use:   "info [object-id]",
	Short: "Show object metadata",
	Long:  "Display metadata for an object without decrypting its content.",
	Args:  cobra.ExactArgs(1),
	RunE:  objectInfo,
}

var (
	// Common flags for object operations
	objectMeta        string
	objectContentType string
	objectFile        string
	objectData        string
	outputJSON        bool
	outputFile        string
	deleteSecure      bool
)

func init() {
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)

	// Store command flags
	storeCmd.Flags().StringVarP(&objectMeta, "meta", "m", "", "metadata as key1=value1,key2=value2")
	storeCmd.Flags().StringVarP(&objectContentType, "type", "T", "", "content type hint (e.g. application/json)")
	storeCmd.Flags().StringVarP(&objectFile, "file", "f", "", "read object data from file (use '-' for stdin)")
	storeCmd.Flags().StringVarP(&objectData, "data", "d", "", "object data as string")

	// Update command flags
	updateCmd.Flags().StringVarP(&objectMeta, "meta", "m", "", "metadata as key1=value1,key2=value2")
	updateCmd.Flags().StringVarP(&objectFile, "file", "f", "", "read object data from file (use '-' for stdin)")
	updateCmd.Flags().StringVarP(&objectData, "data", "d", "", "object data as string")

	// Delete command flags
	deleteCmd.Flags().BoolVar(&deleteSecure, "secure", true, "overwrite the encrypted data before removal")

	// Get command flags
	getCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	getCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write object data to file instead of stdout")

	// List command flags
	listCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Info command flags
	infoCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

func storeObject(cmd *cobra.Command, args []string) error {
	data, err := readObjectData()
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	metadata, err := parseMetadata(objectMeta)
	if err != nil {
		return err
	}

	id, err := engine.StoreWithContentType(data, metadata, objectContentType)
	if err != nil {
		return fmt.Errorf("failed to store object: %w", err)
	}

	fmt.Printf("Object stored successfully\n")
	fmt.Printf("ID: %s\n", id)
	return nil
}

func getObject(cmd *cobra.Command, args []string) error {
	id := args[0]

	data, info, err := engine.Retrieve(id)
	if err != nil {
		if misc.IsNotFoundError(err) {
			return fmt.Errorf("object '%s' does not exist", id)
		}
		return fmt.Errorf("failed to retrieve object: %w", err)
	}

	if outputFile != "" {
		if err = os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Printf("Object '%s' written to %s (%d bytes)\n", id, outputFile, len(data))
		return nil
	}

	if outputJSON {
		out := struct {
			qstore.ObjectInfo
			Data string `json:"data"`
		}{ObjectInfo: info, Data: string(data)}
		return printJSON(out)
	}

	_, err = os.Stdout.Write(data)
	return err
}

func updateObject(cmd *cobra.Command, args []string) error {
	id := args[0]

	data, err := readObjectData()
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}

	metadata, err := parseMetadata(objectMeta)
	if err != nil {
		return err
	}

	if err = engine.Update(id, data, metadata); err != nil {
		if misc.IsNotFoundError(err) {
			return fmt.Errorf("object '%s' does not exist", id)
		}
		return fmt.Errorf("failed to update object: %w", err)
	}

	fmt.Printf("Object '%s' updated successfully\n", id)
	return nil
}

func deleteObject(cmd *cobra.Command, args []string) error {
	id := args[0]

	if err := engine.Delete(id, deleteSecure); err != nil {
		if misc.IsNotFoundError(err) {
			return fmt.Errorf("object '%s' does not exist", id)
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}

	if deleteSecure {
		fmt.Printf("Object '%s' deleted and securely erased\n", id)
	} else {
		fmt.Printf("Object '%s' deleted\n", id)
	}
	return nil
}

func listObjects(cmd *cobra.Command, args []string) error {
	infos, err := engine.List()
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}

	if outputJSON {
		return printJSON(infos)
	}

	if len(infos) == 0 {
		fmt.Println("No objects stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tSIZE\tTYPE\tCREATED\tMETADATA")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			info.ID,
			info.Size,
			valueOrDash(info.ContentType),
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			formatMetadata(info.Metadata))
	}

	return nil
}

func objectInfo(cmd *cobra.Command, args []string) error {
	id := args[0]

	var found *qstore.ObjectInfo
	err := engine.ForEach(func(info qstore.ObjectInfo) bool {
		if info.ID == id {
			found = &info
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if found == nil {
		return fmt.Errorf("object not found: %s", id)
	}

	if outputJSON {
		return printJSON(found)
	}

	fmt.Printf("ID:           %s\n", found.ID)
	fmt.Printf("Size:         %d bytes\n", found.Size)
	fmt.Printf("Content Type: %s\n", valueOrDash(found.ContentType))
	fmt.Printf("Created:      %s\n", found.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Updated:      %s\n", found.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Metadata:     %s\n", formatMetadata(found.Metadata))
	return nil
}

// readObjectData resolves the data source: --data, --file or stdin.
func readObjectData() ([]byte, error) {
	if objectData != "" && objectFile != "" {
		return nil, fmt.Errorf("--data and --file are mutually exclusive")
	}

	if objectData != "" {
		return []byte(objectData), nil
	}

	if objectFile == "" || objectFile == "-" {
		return io.ReadAll(os.Stdin)
	}

	return os.ReadFile(objectFile)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func valueOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, metadata[k]))
	}
	return strings.Join(pairs, ",")
}
