package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/client"
	"github.com/cuemby/tango/pkg/config"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/transport/notifd"
	"github.com/cuemby/tango/pkg/transport/zmq"
	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe DEVICE ATTRIBUTE",
	Short: "Subscribe to events of an attribute and print them",
	Long: `Subscribe to an event of a device attribute and print every event
received, one JSON object per line.

Examples:
  # Change events of test/evt/1/value
  tango subscribe test/evt/1 value

  # Archive events over notifd only, for one minute
  tango subscribe test/evt/1 value -e archive --transport notifd --duration 1m

  # Interface change events of a device
  tango subscribe test/evt/1 "" -e intr_change`,
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().StringP("event", "e", event.ChangeEvent, "Event name")
	subscribeCmd.Flags().String("transport", "both", "Transports to accept (zmq, notifd, both)")
	subscribeCmd.Flags().StringSlice("filter", nil, "Event filters")
	subscribeCmd.Flags().Bool("stateless", false, "Keep retrying while the device is down")
	subscribeCmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until Ctrl+C)")
	addTangoHostFlag(subscribeCmd)

	rootCmd.AddCommand(subscribeCmd)
}

// addTangoHostFlag adds --tango-host defaulting to TANGO_HOST.
func addTangoHostFlag(cmd *cobra.Command) {
	cmd.Flags().String("tango-host", os.Getenv(config.EnvTangoHost), "Database host:port (default: $TANGO_HOST)")
}

func tangoHost(cmd *cobra.Command) (string, error) {
	host, _ := cmd.Flags().GetString("tango-host")
	if host == "" {
		return "", fmt.Errorf("no database: set --tango-host or %s", config.EnvTangoHost)
	}
	return host, nil
}

// printedEvent is the line printed per received event.
type printedEvent struct {
	Time   time.Time `json:"time"`
	Name   string    `json:"name"`
	Event  string    `json:"event"`
	Value  any       `json:"value,omitempty"`
	Data   any       `json:"data,omitempty"`
	Errors any       `json:"errors,omitempty"`
}

type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *printer) Push(ev *event.EventData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := printedEvent{Time: ev.ReceptionDate, Name: ev.AttrName, Event: ev.Event}
	switch {
	case ev.Err:
		out.Errors = ev.Errors
	case ev.AttrValue != nil:
		out.Value = ev.AttrValue.Value
	case ev.AttrConf != nil:
		out.Data = ev.AttrConf
	case ev.DataReady != nil:
		out.Data = ev.DataReady
	case ev.IntrChange != nil:
		out.Data = ev.IntrChange
	case ev.Pipe != nil:
		out.Data = ev.Pipe
	}
	if err := p.enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	initLogging(cmd)
	host, err := tangoHost(cmd)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("event")
	transport, _ := cmd.Flags().GetString("transport")
	filters, _ := cmd.Flags().GetStringSlice("filter")
	stateless, _ := cmd.Flags().GetBool("stateless")
	duration, _ := cmd.Flags().GetDuration("duration")

	factory := client.NewFactory(host)
	defer func() { _ = factory.Close() }()

	var transports []event.ConsumerTransport
	switch transport = strings.ToLower(transport); transport {
	case "zmq":
		transports = append(transports, zmq.NewConsumerTransport())
	case "notifd", "both":
		db, err := factory.Database("")
		if err != nil {
			return err
		}
		if transport == "both" {
			transports = append(transports, zmq.NewConsumerTransport())
		}
		transports = append(transports, notifd.NewConsumerTransport(notifd.WithDatabase(db)))
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}

	consumer := event.NewConsumer(event.ConsumerConfig{TangoHost: host}, event.NewFactoryConnector(factory), transports...)
	consumer.Start()
	defer consumer.Shutdown()

	ctx, stop := signalContext()
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	id, err := consumer.SubscribeEvent(ctx, event.SubscribeRequest{
		Device:    args[0],
		Object:    args[1],
		Event:     name,
		Filters:   filters,
		Callback:  &printer{enc: json.NewEncoder(os.Stdout)},
		Stateless: stateless,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Subscribed (id %d). Press Ctrl+C to stop.\n", id)

	<-ctx.Done()
	return consumer.UnsubscribeEvent(id)
}
