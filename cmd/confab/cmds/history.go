package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/mb0/glob"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func conversationTitle(c *conversation.Conversation) string {
	if c.UserTitle != "" {
		return c.UserTitle
	}
	for _, m := range c.Messages {
		if m.Role == conversation.RoleUser {
			t := strings.TrimSpace(m.Text())
			if len(t) > 40 {
				t = t[:40] + "..."
			}
			return t
		}
	}
	return "(empty)"
}

// withApp opens the app without running the event router and saves the store
// after fn succeeds.
func withApp(cmd *cobra.Command, v *viper.Viper, fn func(app *App) error) error {
	app, err := NewApp(cmd.Context(), v, io.Discard)
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()
	if err := fn(app); err != nil {
		return err
	}
	return app.Store.Save(context.Background())
}

type messageView struct {
	ID        string   `yaml:"id"`
	Role      string   `yaml:"role"`
	Generator string   `yaml:"generator,omitempty"`
	Flags     []string `yaml:"flags,omitempty"`
	Tokens    int      `yaml:"tokens"`
	Text      string   `yaml:"text"`
}

func printConversation(w io.Writer, c *conversation.Conversation) error {
	views := make([]messageView, 0, len(c.Messages))
	for _, m := range c.Messages {
		mv := messageView{
			ID:     string(m.ID),
			Role:   string(m.Role),
			Flags:  m.UserFlags.Names(),
			Tokens: m.TokenCount,
			Text:   m.Text(),
		}
		if m.Generator != nil {
			mv.Generator = m.Generator.Name
		}
		views = append(views, mv)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]interface{}{
		"id":       string(c.ID),
		"title":    conversationTitle(c),
		"tokens":   c.TokenCount,
		"messages": views,
	}); err != nil {
		return err
	}
	return enc.Close()
}

// renderConversation renders the transcript as markdown for the terminal.
func renderConversation(w io.Writer, c *conversation.Conversation) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", conversationTitle(c))
	for _, m := range c.Messages {
		name := string(m.Role)
		if m.Generator != nil && m.Generator.Name != "" {
			name = fmt.Sprintf("%s (%s)", name, m.Generator.Name)
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", name, m.Text())
	}

	styled, err := glamour.Render(sb.String(), "dark")
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, styled)
	return err
}

func NewHistoryCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and edit stored conversations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			titleGlob, _ := cmd.Flags().GetString("title")
			return withApp(cmd, v, func(app *App) error {
				for _, c := range app.Store.GetState().Conversations {
					if titleGlob != "" {
						matching, err := glob.Match(titleGlob, conversationTitle(c))
						if err != nil {
							return err
						}
						if !matching {
							continue
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %3d messages  %6d tokens  %s\n",
						c.ID, len(c.Messages), c.TokenCount, conversationTitle(c))
				}
				return nil
			})
		},
	}

	listCmd.Flags().String("title", "", "Only list conversations whose title matches this glob")

	showCmd := &cobra.Command{
		Use:   "show [conversation]",
		Short: "Print a conversation as yaml, or as rendered markdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			render, _ := cmd.Flags().GetBool("render")
			return withApp(cmd, v, func(app *App) error {
				c, err := app.Conversation(firstArg(args), false)
				if err != nil {
					return err
				}
				if render {
					return renderConversation(cmd.OutOrStdout(), c)
				}
				return printConversation(cmd.OutOrStdout(), c)
			})
		},
	}
	showCmd.Flags().Bool("render", false, "Render the messages as markdown")

	truncateCmd := &cobra.Command{
		Use:   "truncate <conversation> <message>",
		Short: "Drop the messages after a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, _ := cmd.Flags().GetInt("offset")
			return withApp(cmd, v, func(app *App) error {
				c, err := app.Conversation(args[0], false)
				if err != nil {
					return err
				}
				return app.Registry.Get(c.ID).HistoryTruncateTo(conversation.MessageID(args[1]), offset)
			})
		},
	}
	truncateCmd.Flags().Int("offset", 0, "Messages to keep relative to the message (-1 drops it too)")

	deleteCmd := &cobra.Command{
		Use:   "delete <conversation>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(app *App) error {
				c, err := app.Conversation(args[0], false)
				if err != nil {
					return err
				}
				return app.Registry.DeleteConversation(c.ID)
			})
		},
	}

	branchCmd := &cobra.Command{
		Use:   "branch <conversation> [message]",
		Short: "Copy a conversation, up to a message, into a new one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(app *App) error {
				c, err := app.Conversation(args[0], false)
				if err != nil {
					return err
				}
				var messageID conversation.MessageID
				if len(args) > 1 {
					messageID = conversation.MessageID(args[1])
				}
				b, err := app.Store.Branch(c.ID, messageID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), b.ID)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, showCmd, truncateCmd, deleteCmd, branchCmd)
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
