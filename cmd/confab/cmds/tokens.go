package cmds

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/confab/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewTokensCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Token utilities",
	}

	countCmd := &cobra.Command{
		Use:   "count [text...]",
		Short: "Count the tokens of text, read from stdin when no text is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")
			if model == "" {
				model = v.GetString("backend.model")
			}

			text := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "could not read stdin")
				}
				text = string(b)
			}

			n := tokens.NewTiktokenCounter().Count(text, model)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", model, n)
			return nil
		},
	}
	countCmd.Flags().String("model", "", "Model whose tokenizer to use (default: backend.model)")

	cmd.AddCommand(countCmd)
	return cmd
}
