// Command luci-fsck mounts a luci image and walks its directory tree
// from the root, checking the bookkeeping a mount's own validation
// pass doesn't reach: directory link counts and dirent file-type tags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
)

var flagDebug bool

var rootCmd = &cobra.Command{
	Use:   "luci-fsck PATH",
	Short: "Check a luci filesystem image for consistency",
	Long: `luci-fsck mounts a luci image — which validates its superblock and
group descriptors and recovers any pending orphan inodes, the same
self-healing pass a normal mount performs — then walks the directory
tree from the root, cross-checking each directory's link count against
its actual child-directory count and each dirent's recorded file type
against the inode it points at.`,
	Args: cobra.ExactArgs(1),
	RunE: runFsck,
}

func init() {
	rootCmd.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runFsck(cmd *cobra.Command, args []string) error {
	logger := log.NewCLI(flagDebug)
	path := args[0]

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	report, err := check(f, logger)
	if err != nil {
		return err
	}

	report.print(logger)
	if !report.clean() {
		return fmt.Errorf("%s: %d problem(s) found", path, report.problemCount())
	}
	return nil
}
