package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/tango/pkg/client"
	"github.com/cuemby/tango/pkg/dserver"
	"github.com/cuemby/tango/pkg/types"
	"github.com/spf13/cobra"
)

const queryTimeout = 10 * time.Second

var infoCmd = &cobra.Command{
	Use:   "info DEVICE",
	Short: "Show a device and the event system of its server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, factory, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()

		dev, err := factory.Device(ctx, args[0])
		if err != nil {
			return err
		}
		info, err := dev.Info(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Name:\t%s\n", info.Name)
		fmt.Fprintf(w, "Class:\t%s\n", info.Class)
		fmt.Fprintf(w, "Server:\t%s\n", info.Server)
		fmt.Fprintf(w, "Host:\t%s\n", info.Host)
		fmt.Fprintf(w, "IDL:\t%d\n", info.IDL)
		fmt.Fprintf(w, "Admin:\t%s\n", info.AdmName)
		_ = w.Flush()

		if events, _ := cmd.Flags().GetBool("events"); events {
			adm, err := factory.Device(ctx, info.AdmName)
			if err != nil {
				return err
			}
			out, err := adm.CommandInout(ctx, dserver.CmdQueryEventSystem, types.VoidData())
			if err != nil {
				return err
			}
			s, err := out.Strings()
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(strings.Join(s, "\n"))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history DEVICE OBJECT",
	Short: "Show the polling history of an attribute or command",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, factory, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()

		n, _ := cmd.Flags().GetInt("depth")
		command, _ := cmd.Flags().GetBool("command")
		dev, err := factory.Device(ctx, args[0])
		if err != nil {
			return err
		}

		var out any
		if command {
			out, err = dev.CommandHistory(ctx, args[1], n)
		} else {
			out, err = dev.AttributeHistory(ctx, args[1], n)
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Read and write database properties",
}

var dbPutPropertyCmd = &cobra.Command{
	Use:   "put-property DEVICE[/ATTRIBUTE] NAME VALUE...",
	Short: "Set a device or attribute property",
	Long: `Set a device property, or an attribute property when the name has
four fields.

Examples:
  tango db put-property test/evt/1/value abs_change 1.0
  tango db put-property test/evt/1 polled_attr value 500`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, factory, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		db, err := factory.Database("")
		if err != nil {
			return err
		}

		dev, attr := splitObject(args[0])
		if attr == "" {
			err = db.PutDeviceProperty(ctx, dev, args[1], args[2:])
		} else {
			err = db.PutAttributeProperty(ctx, dev, attr, args[1], args[2:])
		}
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s %s = %s\n", args[0], args[1], strings.Join(args[2:], " "))
		return nil
	},
}

var dbGetPropertyCmd = &cobra.Command{
	Use:   "get-property DEVICE[/ATTRIBUTE] [NAME]",
	Short: "Show device or attribute properties",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, factory, done, err := connect(cmd)
		if err != nil {
			return err
		}
		defer done()
		db, err := factory.Database("")
		if err != nil {
			return err
		}

		dev, attr := splitObject(args[0])
		var props types.Properties
		if attr == "" {
			props, err = db.GetDeviceProperties(ctx, dev)
		} else {
			props, err = db.GetAttributeProperties(ctx, dev, attr)
		}
		if err != nil {
			return err
		}

		names := make([]string, 0, len(props))
		for name := range props {
			if len(args) == 2 && !strings.EqualFold(name, args[1]) {
				continue
			}
			names = append(names, name)
		}
		if len(names) == 0 {
			fmt.Println("No properties found")
			return nil
		}
		sort.Strings(names)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVALUE")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(props[name], " "))
		}
		return w.Flush()
	},
}

func init() {
	infoCmd.Flags().Bool("events", false, "Also show the event system of the device server")
	addTangoHostFlag(infoCmd)

	historyCmd.Flags().IntP("depth", "n", 10, "Number of entries")
	historyCmd.Flags().Bool("command", false, "OBJECT is a command")
	addTangoHostFlag(historyCmd)

	addTangoHostFlag(dbPutPropertyCmd)
	addTangoHostFlag(dbGetPropertyCmd)
	dbCmd.AddCommand(dbPutPropertyCmd)
	dbCmd.AddCommand(dbGetPropertyCmd)

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(dbCmd)
}

// connect returns a context bounded by queryTimeout and a client factory
// for --tango-host. done releases both.
func connect(cmd *cobra.Command) (context.Context, *client.Factory, func(), error) {
	initLogging(cmd)
	host, err := tangoHost(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	factory := client.NewFactory(host)
	return ctx, factory, func() {
		cancel()
		_ = factory.Close()
	}, nil
}

// splitObject splits domain/family/member/attr into device and attribute.
func splitObject(name string) (string, string) {
	name = strings.TrimPrefix(name, "tango://")
	if strings.Count(name, "/") == 3 {
		i := strings.LastIndex(name, "/")
		return name[:i], name[i+1:]
	}
	return name, ""
}
