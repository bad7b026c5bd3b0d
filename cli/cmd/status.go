package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/qstore/internal/mem"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Long:  "Display information about the store including object count, backend type and memory protection level.",
	RunE:  showStatus,
}

var statusCheck bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "run a full consistency check")
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Store Status")
	fmt.Println("============")

	fmt.Printf("Store Path: %s\n", storePath)

	count, err := engine.Count()
	if err != nil {
		fmt.Printf("Objects: ERROR - %v\n", err)
	} else {
		fmt.Printf("Objects: %d\n", count)
	}

	if e, ok := engine.(interface{ StoreType() string }); ok {
		fmt.Printf("Backend: %s\n", e.StoreType())
	}

	if e, ok := engine.(interface{ MemoryProtection() mem.ProtectionLevel }); ok {
		fmt.Printf("Memory Protection: %s\n", protectionName(e.MemoryProtection()))
	}

	backups, err := engine.ListBackups()
	if err != nil {
		fmt.Printf("Backups: ERROR - %v\n", err)
	} else {
		fmt.Printf("Backups: %d\n", len(backups))
	}

	if statusCheck {
		fmt.Println("\nConsistency Check")
		fmt.Println("-----------------")
		issues, err := engine.CheckConsistency()
		if err != nil {
			return fmt.Errorf("consistency check failed: %w", err)
		}
		if len(issues) == 0 {
			fmt.Println("OK: no issues found")
		} else {
			for _, issue := range issues {
				if issue.ObjectID != "" {
					fmt.Printf("PROBLEM: object %s: %s\n", issue.ObjectID, issue.Problem)
				} else {
					fmt.Printf("PROBLEM: blob %s: %s\n", issue.BlobID, issue.Problem)
				}
			}
			return fmt.Errorf("%d consistency issues found", len(issues))
		}
	}

	return nil
}

func protectionName(level mem.ProtectionLevel) string {
	switch level {
	case mem.ProtectionFull:
		return "full (memory locked)"
	case mem.ProtectionPartial:
		return "partial (enclave only)"
	default:
		return "none"
	}
}
