package cmds

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/api"
	"github.com/go-go-golems/marionette/pkg/engine"
	"github.com/go-go-golems/marionette/pkg/store"
	"github.com/go-go-golems/marionette/pkg/transport"
	"github.com/go-go-golems/marionette/pkg/ui"
)

func NewChatCommand(configPath *string) *cobra.Command {
	var (
		convID int64
		title  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session against the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client := api.NewClient(cfg.APIBase)
			if convID == 0 {
				conv, err := client.CreateConversation(ctx, title)
				if err != nil {
					return errors.Wrap(err, "create conversation")
				}
				convID = conv.ID
				log.Info().Int64("conv_id", convID).Msg("created conversation")
			}

			session := ui.NewSession()
			eng := engine.New(store.NewMemoryBackend(), client,
				engine.WithSubmitCallbacks(session.SubmitCallbacks()))

			ch := transport.New(cfg.WSURL, transport.WithToken(cfg.Token))
			detach := eng.Attach(ctx, ch)
			defer detach()
			ch.Connect(ctx)
			defer func() { _ = ch.Close() }()

			eng.SelectConversation(ctx, convID)
			session.Bind(eng, convID)
			return session.Run(ctx)
		},
	}

	cmd.Flags().Int64Var(&convID, "conversation", 0, "existing conversation id (0 creates a new one)")
	cmd.Flags().StringVar(&title, "title", "chat", "title for a newly created conversation")
	return cmd
}
