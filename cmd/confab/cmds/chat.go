package cmds

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/handler"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// userPrompt joins the positional arguments into the user message.
func userPrompt(args []string) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return "", errors.New("a message is required")
	}
	return text, nil
}

func NewChatCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a message and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := userPrompt(args)
			if err != nil {
				return err
			}
			conversationID, _ := cmd.Flags().GetString("conversation")
			newConversation, _ := cmd.Flags().GetBool("new")
			system, _ := cmd.Flags().GetString("system")
			progress, _ := cmd.Flags().GetBool("progress")
			turnModel, _ := cmd.Flags().GetString("turn-model")

			app, err := NewApp(cmd.Context(), v, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			var c *conversation.Conversation
			if newConversation {
				c = app.Store.Create("default")
			} else {
				c, err = app.Conversation(conversationID, true)
				if err != nil {
					return err
				}
			}
			h := app.Registry.Get(c.ID)

			return app.Run(cmd.Context(), func(ctx context.Context) error {
				if system != "" {
					if err := h.EnsureSystemMessage(system); err != nil {
						return err
					}
				}
				if err := h.MessageAppend(conversation.NewTextMessage(conversation.RoleUser, text)); err != nil {
					return err
				}
				res, err := h.Generate(ctx, handler.GenerateOptions{
					ModelID:      turnModel,
					ShowProgress: true,
				})
				if err != nil {
					return err
				}
				if progress {
					fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s, message %s\n", c.ID, res.MessageID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringP("conversation", "c", "", "Conversation id or id prefix (default: most recent)")
	cmd.Flags().Bool("new", false, "Start a new conversation")
	cmd.Flags().String("system", "", "System message to set before sending")
	cmd.Flags().Bool("progress", false, "Print the conversation and message ids when done")
	cmd.Flags().String("turn-model", "", "Model for this turn (default: backend.model)")
	return cmd
}
