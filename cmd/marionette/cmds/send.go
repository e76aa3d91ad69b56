package cmds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/api"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/transport"
	"github.com/go-go-golems/marionette/pkg/wire"
)

func NewSendCommand(configPath *string) *cobra.Command {
	var (
		convID int64
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a single message and optionally wait for the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client := api.NewClient(cfg.APIBase)
			if convID == 0 {
				conv, err := client.CreateConversation(ctx, "send")
				if err != nil {
					return errors.Wrap(err, "create conversation")
				}
				convID = conv.ID
			}

			// Subscribe before sending so a fast reply cannot slip past us.
			var ch *transport.Channel
			replies := make(chan model.Message, 1)
			if wait > 0 {
				ch = transport.New(cfg.WSURL, transport.WithToken(cfg.Token))
				ch.On(wire.TypeMessageNew, func(ev wire.Event) {
					msg := ev.(wire.MessageNew).Message
					if msg.ConversationID == convID && msg.Role == model.RoleAssistant {
						select {
						case replies <- msg:
						default:
						}
					}
				})
				ch.Connect(ctx)
				defer func() { _ = ch.Close() }()
			}

			resp, err := client.SendMessage(ctx, convID, text)
			if err != nil {
				return errors.Wrap(err, "send message")
			}
			log.Info().
				Int64("conv_id", convID).
				Int64("message_id", resp.Message.ID).
				Str("job_id", resp.JobID).
				Msg("message accepted")

			if wait <= 0 {
				return nil
			}
			select {
			case msg := <-replies:
				fmt.Println(msg.Content)
				return nil
			case <-time.After(wait):
				return errors.Errorf("no reply within %s", wait)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	cmd.Flags().Int64Var(&convID, "conversation", 0, "existing conversation id (0 creates a new one)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the assistant reply (0 to fire and forget)")
	return cmd
}
