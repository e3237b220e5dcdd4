// Command cosmosctl is the ambient-stack CLI surface over the storage
// core: formatting a new volume set and reporting on an already-formatted
// one, wired with spf13/cobra the way the teacher wires flag parsing for
// its own debug entry points, but structured as proper subcommands since
// the storage core exposes more than one operator-facing action.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/odysseus-cosmos/storage-core/bfm"
	"github.com/odysseus-cosmos/storage-core/config"
	"github.com/odysseus-cosmos/storage-core/logging"
	"github.com/odysseus-cosmos/storage-core/rdsm"
	"github.com/odysseus-cosmos/storage-core/sm"
	"github.com/odysseus-cosmos/storage-core/types"
)

var log = logging.Component("cosmosctl")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "cosmosctl",
		Short: "Operate COSMOS/ODYSSEUS storage volumes",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML tunables file (defaults built in if omitted)")

	root.AddCommand(newFormatCmd(&configPath))
	root.AddCommand(newStatCmd(&configPath))
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(doc)
}

func openDevice(cfg config.Config, path string) (rdsm.Device, error) {
	switch cfg.IOMode {
	case "", "file":
		return rdsm.OpenFileDevice(path)
	case "mem":
		return rdsm.NewMemDevice(), nil
	case "direct":
		return rdsm.OpenDirectDevice(path)
	default:
		return nil, fmt.Errorf("unknown io_mode %q", cfg.IOMode)
	}
}

func newFormatCmd(configPath *string) *cobra.Command {
	var path string
	var title string
	var pages uint32
	var withCatalog bool

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Format a new data volume and optionally bootstrap its catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if title == "" {
				title = "cosmos-" + uuid.NewString()
			}

			dev, err := openDevice(cfg, path)
			if err != nil {
				return err
			}
			vol, err := rdsm.Format([]rdsm.Device{dev}, title, cfg.ExtentSize, []uint32{pages}, false)
			if err != nil {
				return err
			}

			table := rdsm.NewTable()
			volNo, err := table.Mount(vol)
			if err != nil {
				return err
			}
			log.Info().Uint32("vol", volNo).Str("title", title).Uint32("pages", pages).Msg("volume formatted")

			if !withCatalog {
				return nil
			}

			pool := bfm.NewPool(table, cfg.BufferPoolFrames, cfg.TrainSize)
			roots, err := vol.AllocTrains(nil, cfg.FillFactor, 2, 1, cfg.TrainSize)
			if err != nil {
				return err
			}
			fileRoot := types.PageID{VolNo: uint16(volNo), PageNo: roots[0].PageNo}
			indexRoot := types.PageID{VolNo: uint16(volNo), PageNo: roots[1].PageNo}
			if _, err := sm.Create(pool, uint16(volNo), fileRoot, indexRoot); err != nil {
				return err
			}
			log.Info().Uint32("vol", volNo).Msg("catalog bootstrapped")
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "cosmos.vol", "backing file path (ignored for io_mode=mem)")
	cmd.Flags().StringVar(&title, "title", "", "volume title (a random one is generated if omitted)")
	cmd.Flags().Uint32Var(&pages, "pages", 65536, "number of pages to format on the device")
	cmd.Flags().BoolVar(&withCatalog, "with-catalog", false, "also bootstrap an empty file-id/index-id catalog")
	return cmd
}

func newStatCmd(configPath *string) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "stat",
		Short: "Report the header fields of an already-formatted volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg, path)
			if err != nil {
				return err
			}
			info, err := rdsm.ReadHeader(dev)
			if err != nil {
				return err
			}
			fmt.Printf("title:       %s\n", info.Title)
			fmt.Printf("volume id:   %d\n", info.VolID)
			fmt.Printf("extent size: %d pages\n", info.ExtentSize)
			fmt.Printf("extents:     %d\n", info.NumExtents)
			fmt.Printf("devices:     %d\n", info.NumDevices)
			fmt.Printf("log volume:  %v\n", info.IsLog)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "cosmos.vol", "backing file path")
	return cmd
}
