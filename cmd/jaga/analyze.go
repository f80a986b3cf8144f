package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/jaga/internal/analyze"
	"github.com/MrWong99/jaga/internal/config"
)

func newMechanicCmd(c *cli) *cobra.Command {
	var audioPath, quotePath string
	cmd := &cobra.Command{
		Use:   "mechanic",
		Short: "Diagnose an engine recording and check a repair quote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := mechanicInput(audioPath, quotePath)
			if err != nil {
				return err
			}
			client, err := c.analyzer(cmd.Context())
			if err != nil {
				return err
			}
			d, err := client.Diagnose(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVar(&audioPath, "audio", "", "engine recording (webm, wav, mp3, ...)")
	cmd.Flags().StringVar(&quotePath, "quote", "", "optional photo of the repair quote")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func newScepticCmd(c *cli) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sceptic [listing text]",
		Short: "Vet a used-car listing for lemon risk",
		Long:  "Vet a used-car listing. The text is taken from the arguments, from --file, or from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			listing, err := listingText(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			client, err := c.analyzer(cmd.Context())
			if err != nil {
				return err
			}
			v, err := client.Vet(cmd.Context(), listing)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the listing from a file")
	return cmd
}

func (c *cli) analyzer(ctx context.Context) (*analyze.Client, error) {
	if c.cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("%s is not set", config.APIKeyEnv)
	}
	return analyze.New(ctx, analyze.Config{
		APIKey:  c.cfg.Gemini.APIKey,
		BaseURL: c.cfg.Gemini.BaseURL,
		Models:  c.cfg.Gemini.AnalysisModels,
		Retry:   c.cfg.Session.Retry.Policy(),
		Prompts: analyze.Prompts{
			Mechanic: c.cfg.Prompts.Mechanic,
			Sceptic:  c.cfg.Prompts.Sceptic,
		},
	})
}

func mechanicInput(audioPath, quotePath string) (analyze.MechanicInput, error) {
	var in analyze.MechanicInput
	b, err := os.ReadFile(audioPath)
	if err != nil {
		return in, fmt.Errorf("read engine recording: %w", err)
	}
	in.Audio, in.AudioMIME = b, mimeOf(audioPath, "audio/webm")

	if quotePath != "" {
		b, err := os.ReadFile(quotePath)
		if err != nil {
			return in, fmt.Errorf("read repair quote: %w", err)
		}
		in.QuoteImage, in.QuoteMIME = b, mimeOf(quotePath, "image/jpeg")
	}
	return in, nil
}

// mimeOf guesses a MIME type from the file extension, dropping parameters.
func mimeOf(path, def string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return def
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return t
}

func listingText(args []string, file string, stdin io.Reader) (string, error) {
	var text string
	switch {
	case len(args) > 0:
		text = strings.Join(args, " ")
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read listing: %w", err)
		}
		text = string(b)
	default:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read listing: %w", err)
		}
		text = string(b)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("listing is empty")
	}
	return text, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
