package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/chat-bridge/emote"
)

func newTranslateCommand() *cobra.Command {
	var (
		to    string
		vocab []string
	)

	cmd := &cobra.Command{
		Use:   "translate TOKEN",
		Short: "Show which emote a token maps to in a vocabulary",
		Args:  cobra.ExactArgs(1),
		Example: `  bridgectl translate --to peertube --vocab :kappa:,:peepo_happy: PeepoHappy
  bridgectl translate --to twitch --vocab Kappa,PogChamp :pog_champ:`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := emote.Platform(to)
			if p != emote.PlatformTwitch && p != emote.PlatformPeerTube {
				return fmt.Errorf("--to must be %q or %q", emote.PlatformTwitch, emote.PlatformPeerTube)
			}
			tr := emote.New()
			tr.Update(p, vocab)
			out := cmd.OutOrStdout()
			if name, ok := tr.Translate(p, args[0]); ok {
				fmt.Fprintf(out, "%s -> %s\n", args[0], name)
				return nil
			}
			fmt.Fprintf(out, "%s: no match\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", string(emote.PlatformPeerTube), "Target vocabulary: twitch or peertube")
	cmd.Flags().StringSliceVar(&vocab, "vocab", nil, "Comma-separated emote names of the target vocabulary")
	_ = cmd.MarkFlagRequired("vocab")
	return cmd
}
