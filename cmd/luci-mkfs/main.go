// Command luci-mkfs formats a regular file or block device with a fresh
// luci image: superblock, group descriptor table, per-group bitmaps and
// inode table, and an empty root directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
)

var (
	flagSize        int64
	flagBlockSize   uint32
	flagClusterSize uint32
	flagInodeRatio  int64
	flagLabel       string
	flagForce       bool
	flagDebug       bool
	flagConfig      string
)

var rootCmd = &cobra.Command{
	Use:   "luci-mkfs PATH",
	Short: "Create a luci filesystem image",
	Long: `luci-mkfs lays out a fresh luci image on PATH: a superblock, one
group descriptor and bitmap pair per block group, a zeroed inode table,
and an empty root directory, sized to fit --size bytes of backing
storage.`,
	Args: cobra.ExactArgs(1),
	RunE: runMkfs,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "YAML file of flag defaults (explicit flags still win)")
	rootCmd.Flags().Int64Var(&flagSize, "size", 0, "image size in bytes (required when PATH doesn't already exist)")
	rootCmd.Flags().Uint32Var(&flagBlockSize, "block-size", 4096, "block size in bytes, power of two")
	rootCmd.Flags().Uint32Var(&flagClusterSize, "cluster-size", 0, "compression cluster size in bytes, multiple of block-size (default 4x block-size)")
	rootCmd.Flags().Int64Var(&flagInodeRatio, "inode-ratio", 16384, "bytes per inode, controls how many inodes each group gets")
	rootCmd.Flags().StringVar(&flagLabel, "label", "", "volume label, up to 16 bytes")
	rootCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "overwrite an existing, already-formatted image")
	rootCmd.Flags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	for _, name := range []string{"size", "block-size", "cluster-size", "inode-ratio", "label", "force", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
}

// loadConfig reads flagConfig (if set) into viper and overwrites each
// flag variable that the user didn't pass explicitly on the command
// line, the same file-then-flags precedence the teacher's vconvert
// config loader gives its own CLI.
func loadConfig(cmd *cobra.Command) error {
	if flagConfig == "" {
		return nil
	}
	viper.SetConfigFile(flagConfig)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading --config %s: %w", flagConfig, err)
	}

	if !cmd.Flags().Changed("size") {
		flagSize = viper.GetInt64("size")
	}
	if !cmd.Flags().Changed("block-size") {
		flagBlockSize = viper.GetUint32("block-size")
	}
	if !cmd.Flags().Changed("cluster-size") {
		flagClusterSize = viper.GetUint32("cluster-size")
	}
	if !cmd.Flags().Changed("inode-ratio") {
		flagInodeRatio = viper.GetInt64("inode-ratio")
	}
	if !cmd.Flags().Changed("label") {
		flagLabel = viper.GetString("label")
	}
	if !cmd.Flags().Changed("force") {
		flagForce = viper.GetBool("force")
	}
	if !cmd.Flags().Changed("debug") {
		flagDebug = viper.GetBool("debug")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMkfs(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	logger := log.NewCLI(flagDebug)
	path := args[0]

	size := flagSize
	if fi, err := os.Stat(path); err == nil {
		if size == 0 {
			size = fi.Size()
		}
		if !flagForce && fi.Size() > 0 {
			probe, perr := os.Open(path)
			if perr == nil {
				if looksFormatted(probe, flagBlockSize) {
					probe.Close()
					return fmt.Errorf("%s already looks like a luci image; pass --force to overwrite", path)
				}
				probe.Close()
			}
		}
	}
	if size <= 0 {
		return fmt.Errorf("--size is required for a new image")
	}

	geo, err := computeGeometry(size, flagBlockSize, flagClusterSize, flagInodeRatio)
	if err != nil {
		return err
	}
	logger.Infof("formatting %s: %d bytes, %d blocks (%d bytes each), %d group(s), %d inodes/group, %d-byte clusters",
		path, size, geo.totalBlocks, geo.blockSize, geo.groupCount, geo.inodesPerGroup, geo.clusterBytes)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return err
	}

	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(int64(geo.groupCount),
		mpb.PrependDecorators(decor.Name("writing groups", decor.WC{W: 15, C: decor.DidentRight})),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)

	if err := writeImage(f, geo, flagLabel, bar); err != nil {
		return err
	}
	progress.Wait()

	if err := f.Sync(); err != nil {
		return err
	}

	if err := seedRoot(f, geo, logger); err != nil {
		return err
	}

	logger.Infof("done")
	return nil
}
