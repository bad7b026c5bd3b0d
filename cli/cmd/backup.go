package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage store backups",
	Long:  "Create, restore, list and delete complete backups of the store.",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create [path]",
	Short: "Create a backup",
	Long:  "Write a complete snapshot of the store to a backup file. A bare name lands in the store's backups directory.",
	Args:  cobra.ExactArgs(1),
	RunE:  createBackup,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [path]",
	Short: "Restore from a backup",
	Long:  "Replace the store's contents with a verified backup. The backup is checked end to end before anything is applied.",
	Args:  cobra.ExactArgs(1),
	RunE:  restoreBackup,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE:  listBackupsCmd,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete [backup-id]",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteBackupCmd,
}

var (
	backupOutputJSON bool
	restoreConfirmed bool
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupDeleteCmd)

	backupListCmd.Flags().BoolVar(&backupOutputJSON, "json", false, "output in JSON format")
	backupRestoreCmd.Flags().BoolVarP(&restoreConfirmed, "yes", "y", false, "skip the confirmation prompt")
}

func createBackup(cmd *cobra.Command, args []string) error {
	path, err := engine.Backup(args[0])
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}

	fmt.Printf("Backup written to %s\n", path)
	return nil
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	if !restoreConfirmed {
		if !promptConfirmation("Restoring replaces ALL current objects with the backup contents. Continue?") {
			fmt.Println("Restore cancelled")
			return nil
		}
	}

	if err := engine.Restore(args[0]); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	count, err := engine.Count()
	if err != nil {
		return err
	}

	fmt.Printf("Restore complete: %d objects\n", count)
	return nil
}

func listBackupsCmd(cmd *cobra.Command, args []string) error {
	infos, err := engine.ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	if backupOutputJSON {
		return printJSON(infos)
	}

	if len(infos) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "BACKUP ID\tCREATED\tOBJECTS\tSIZE\tVALID\tFILE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%s\n",
			info.BackupID,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.ObjectCount,
			info.FileSize,
			info.IsValid,
			info.StorePath)
	}

	return nil
}

func deleteBackupCmd(cmd *cobra.Command, args []string) error {
	if err := engine.DeleteBackup(args[0]); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}

	fmt.Printf("Backup '%s' deleted\n", args[0])
	return nil
}
