package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-go-golems/confab/pkg/beam"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tcnksm/go-input"
)

// pickRay returns the ray to merge: the one at index pick (1-based) or the
// first successful ray when pick is 0.
func pickRay(snap *beam.Snapshot, pick int) (beam.RayID, error) {
	if pick > 0 {
		if pick > len(snap.Rays) {
			return "", errors.Errorf("there are only %d rays", len(snap.Rays))
		}
		return snap.Rays[pick-1].ID, nil
	}
	for _, r := range snap.Rays {
		if r.Status == beam.RaySuccess {
			return r.ID, nil
		}
	}
	return "", errors.Wrap(beam.ErrRayNotMergeable, "no ray succeeded")
}

// askRay asks which ray to merge and returns its 1-based index.
func askRay(in io.Reader, out io.Writer, snap *beam.Snapshot) (int, error) {
	ui := &input.UI{
		Writer: out,
		Reader: in,
	}
	answer, err := ui.Ask(fmt.Sprintf("Ray to merge [1-%d]", len(snap.Rays)), &input.Options{
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			n, err := strconv.Atoi(answer)
			if err != nil || n < 1 || n > len(snap.Rays) {
				return errors.Errorf("please enter a number between 1 and %d", len(snap.Rays))
			}
			if snap.Rays[n-1].Status != beam.RaySuccess {
				return errors.Errorf("ray %d is %s", n, snap.Rays[n-1].Status)
			}
			return nil
		},
	})
	if err != nil {
		return 0, errors.Wrap(err, "could not read the ray choice")
	}
	return strconv.Atoi(answer)
}

func NewBeamCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beam [message...]",
		Short: "Ask several models at once and keep one answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, _ := cmd.Flags().GetString("conversation")
			models, _ := cmd.Flags().GetStringSlice("models")
			pick, _ := cmd.Flags().GetInt("pick")
			replace, _ := cmd.Flags().GetBool("replace-last")
			ask, _ := cmd.Flags().GetBool("ask")
			if ask {
				if f, ok := cmd.InOrStdin().(*os.File); ok && !isatty.IsTerminal(f.Fd()) {
					return errors.New("--ask needs an interactive terminal")
				}
			}

			app, err := NewApp(cmd.Context(), v, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			if len(models) == 0 {
				models = app.Settings.BeamModels()
			}

			c, err := app.Conversation(conversationID, true)
			if err != nil {
				return err
			}
			h := app.Registry.Get(c.ID)

			return app.Run(cmd.Context(), func(ctx context.Context) error {
				if len(args) > 0 {
					text, err := userPrompt(args)
					if err != nil {
						return err
					}
					if err := h.MessageAppend(conversation.NewTextMessage(conversation.RoleUser, text)); err != nil {
						return err
					}
				}

				history := h.HistoryView()
				var dest conversation.MessageID
				if replace {
					if len(history) == 0 || history[len(history)-1].Role != conversation.RoleAssistant {
						return errors.New("the last message is not an assistant message")
					}
					dest = history[len(history)-1].ID
					history = history[:len(history)-1]
				}

				if err := h.BeamInvoke(history, nil, dest); err != nil {
					return err
				}
				b := h.Beam()
				defer b.Terminate()

				if _, err := b.AddRays(models...); err != nil {
					return err
				}
				if err := b.StartAll(ctx); err != nil {
					return err
				}
				b.Wait()

				snap := b.Snapshot()
				for i, r := range snap.Rays {
					fmt.Fprintf(cmd.OutOrStdout(), "=== ray %d (%s, %s) ===\n%s\n", i+1, r.LLMID, r.Status, r.Text)
				}

				choice := pick
				if ask {
					n, err := askRay(cmd.InOrStdin(), cmd.OutOrStdout(), snap)
					if err != nil {
						return err
					}
					choice = n
				}
				id, err := pickRay(snap, choice)
				if err != nil {
					return err
				}
				log.Debug().Str("conversation_id", string(c.ID)).Str("ray_id", string(id)).Msg("merging ray")
				return b.Merge(id)
			})
		},
	}

	cmd.Flags().StringP("conversation", "c", "", "Conversation id or id prefix (default: most recent)")
	cmd.Flags().StringSlice("models", nil, "Models of the rays (default: beam.models)")
	cmd.Flags().Int("pick", 0, "Ray to merge, starting at 1 (default: first successful ray)")
	cmd.Flags().Bool("ask", false, "Ask which ray to merge once all rays are done")
	cmd.Flags().Bool("replace-last", false, "Replace the last assistant message instead of appending")
	return cmd
}
