package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mwhudson/livefs-editor/internal/actions"
	"github.com/mwhudson/livefs-editor/internal/cli"
	"github.com/mwhudson/livefs-editor/pkg/livefs"
)

var rootCmd = &cobra.Command{
	Use:   "livefs-editor [flags] source dest [--action args...]...",
	Short: "Edit Ubuntu live server images",
	Long: `livefs-editor applies a sequence of edit actions to a live
server image and repacks the result.

Actions follow their own grammar after source and dest: every --name
token starts an action and the words after it are that action's
arguments. Alternatively --action-yaml loads the action list from a
YAML file.

Pass /dev/null as dest to run the actions without building an output
image. Passing the source path as dest rewrites the image in place.`,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, args)
	},
}

func run(cmd *cobra.Command, args []string) (retErr error) {
	debug := false
	keep := false
	actionYAML := ""

	var rest []string
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--help" || a == "-h":
			cmd.Help()
			fmt.Printf("\nActions:\n  %s\n", strings.Join(actions.Names(), "\n  "))
			return nil
		case a == "--debug":
			debug = true
		case a == "--keep-workspace":
			keep = true
		case a == "--action-yaml":
			if i+1 >= len(args) {
				return fmt.Errorf("--action-yaml needs a file argument")
			}
			i++
			actionYAML = args[i]
		default:
			rest = append(rest, args[i:]...)
			i = len(args)
		}
	}

	if len(rest) < 2 {
		return fmt.Errorf("need source and dest arguments")
	}
	sourcePath, destPath := rest[0], rest[1]

	var calls []cli.Call
	var err error
	if actionYAML != "" {
		if len(rest) > 2 {
			return fmt.Errorf("--action-yaml cannot be combined with command line actions")
		}
		calls, err = cli.LoadYAML(actionYAML)
	} else {
		calls, err = cli.ParseArgs(rest[2:])
	}
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		return fmt.Errorf("no actions given")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	finalDest := destPath
	if destPath == "/dev/null" {
		finalDest = ""
	} else if destPath == sourcePath {
		// Write next to the source and rename over it only on success.
		finalDest = destPath + ".new"
	}

	ec, err := livefs.New(livefs.Options{
		SourcePath:    sourcePath,
		KeepWorkspace: keep,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if terr := ec.Teardown(); terr != nil {
			logger.Error("teardown", "error", terr)
			retErr = firstError(retErr, terr)
		}
	}()

	if err := ec.MountSource(); err != nil {
		return err
	}
	if err := cli.RunActions(ec, calls); err != nil {
		return err
	}

	wrote, err := ec.Finalize(finalDest, nil)
	if err != nil {
		return err
	}
	if !wrote {
		logger.Info("no changes made, no output written")
		return nil
	}
	if finalDest != destPath && finalDest != "" {
		if err := os.Rename(finalDest, destPath); err != nil {
			return fmt.Errorf("replace source image: %w", err)
		}
	}
	return nil
}

// firstError returns the first non-nil error, keeping an action failure
// ahead of the teardown failure that follows it.
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
