package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/unix"

	"github.com/mountnbd/mountnbd/internal/config"
	"github.com/mountnbd/mountnbd/internal/driver"
	"github.com/mountnbd/mountnbd/internal/errdefs"
	"github.com/mountnbd/mountnbd/internal/image"
	"github.com/mountnbd/mountnbd/internal/log"
	"github.com/mountnbd/mountnbd/internal/mount"
	"github.com/mountnbd/mountnbd/internal/nbd"
	"github.com/mountnbd/mountnbd/internal/validation"
	"github.com/mountnbd/mountnbd/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:      "mountnbd",
		Usage:     "Mount QCOW2 disk images through the nbd kernel module",
		ArgsUsage: "<image-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mount-point",
				Aliases: []string{"m"},
				Usage:   "Directory to mount the image at (default " + config.DefaultMountPoint + ")",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Image format: auto, qcow2 or raw (default auto)",
			},
			&cli.StringFlag{
				Name:    "fs-type",
				Aliases: []string{"t"},
				Usage:   "Filesystem type to mount with, overriding detection",
			},
			&cli.IntFlag{
				Name:    "partition",
				Aliases: []string{"p"},
				Usage:   "Partition number to mount (default: first, or the whole device)",
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Partition scanner backend: cli or dbus (default cli)",
			},
			&cli.BoolFlag{
				Name:    "read-only",
				Aliases: []string{"r"},
				Usage:   "Attach and mount the image read-only",
			},
			&cli.BoolFlag{
				Name:    "unmount",
				Aliases: []string{"u"},
				Usage:   "Unmount the image and detach its device",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	// A single interrupt cancels the step in flight; the driver still
	// detaches anything it already attached before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Handle version flag
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	// Setup logging
	log.Setup(cmd.Bool("verbose"))

	if cmd.Args().Len() != 1 {
		return errdefs.Errorf(errdefs.KindInvalidArgument,
			"expected exactly one image file argument, got %d", cmd.Args().Len())
	}
	imagePath := cmd.Args().First()

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidArgument, err)
	}

	// Merge CLI flags (CLI takes precedence)
	cfg.Merge(
		cmd.String("mount-point"),
		cmd.String("backend"),
		cmd.String("format"),
		cmd.String("fs-type"),
		int(cmd.Int("partition")),
		cmd.Bool("read-only"),
	)

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate config
	if err := cfg.Validate(); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidArgument, err)
	}

	if err := validation.RequireRoot(); err != nil {
		return err
	}

	if err := validation.ValidateImagePath(imagePath); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidArgument, err)
	}

	// Create components
	manager, err := nbd.NewManager(cfg.Backend, nbd.Options{
		MaxDevices: cfg.MaxDevices,
		MaxPart:    cfg.MaxPart,
	})
	if err != nil {
		return fmt.Errorf("create nbd manager: %w", err)
	}
	d := driver.NewDriver(manager, mount.NewSyscallMounter())

	if cmd.Bool("unmount") {
		return d.Unmount(ctx, cfg.MountPoint)
	}

	format, err := image.Resolve(imagePath, image.Format(cfg.Format))
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidArgument, err)
	}

	res, err := d.Mount(ctx, driver.MountRequest{
		ImagePath:  imagePath,
		MountPoint: cfg.MountPoint,
		Format:     format,
		FSType:     cfg.FSType,
		Partition:  cfg.Partition,
		ReadOnly:   cfg.ReadOnly,
	})
	if err != nil {
		return err
	}

	fmt.Printf("mounted %s at %s (%s)\n", res.Source, res.MountPoint, res.FSType)
	fmt.Printf("unmount with: %s\n", unmountHint(cfg.MountPoint, imagePath))
	return nil
}

// unmountHint spells out how to undo the mount, mirroring the flags the
// user would need.
func unmountHint(mountPoint, imagePath string) string {
	if mountPoint == config.DefaultMountPoint {
		return fmt.Sprintf("mountnbd --unmount %s", imagePath)
	}
	return fmt.Sprintf("mountnbd --unmount --mount-point %s %s", mountPoint, imagePath)
}
