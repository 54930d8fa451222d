package furnace

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/edgeflare/furnace/pkg/mqtt"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish [payload]",
	Short: "Publish a message to the furnace controller",
	Long: `Publish a payload to the controller's publish topic. The payload is taken
from the argument, or read from stdin when the argument is "-" or missing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.StringP("topic", "t", "", "topic to publish to (default mqtt.publishTopic)")
	f.Duration("timeout", 10*time.Second, "give up after this long")
}

func runPublish(cmd *cobra.Command, args []string) error {
	if cfg == nil {
		return errors.New("configuration not loaded")
	}
	payload, err := readPayload(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return errors.New("payload is required")
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	mc := cfg.MQTT
	mc.ConnectRetries = 1
	client, err := mqtt.NewClient(mc, logger.Named("mqtt"))
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	flagTopic, _ := cmd.Flags().GetString("topic")
	topic := cmp.Or(flagTopic, client.Config().PublishTopic)
	if err := client.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(payload), topic)
	return nil
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	if f, ok := stdin.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			return nil, errors.New("no payload given")
		}
	}
	return io.ReadAll(stdin)
}
