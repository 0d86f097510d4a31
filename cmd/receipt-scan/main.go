package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/expense-tracker/internal/extraction"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var extErr *extraction.Error
		if errors.As(err, &extErr) && extErr.Detail != "" {
			fmt.Fprintf(os.Stderr, "detail: %s\n", extErr.Detail)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := ff.NewFlagSet("receipt-scan")
	var (
		stage = fs.StringLong("stage", "draft", "Output: 'text' (OCR only), 'extract' (parsed fields) or 'draft'")
		debug = fs.BoolLong("debug", "Log pipeline stages")
	)
	pipelineConfig := extraction.RegisterFlags(fs)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("EXPENSE_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}
	if len(fs.GetArgs()) != 1 {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("usage: receipt-scan [flags] <receipt file>")
	}

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := fs.GetArgs()[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading receipt: %w", err)
	}
	prepared, _, err := extraction.PrepareImage(data, "")
	if err != nil {
		return fmt.Errorf("preparing image: %w", err)
	}
	imageBase64 := base64.StdEncoding.EncodeToString(prepared)

	pipeline, err := pipelineConfig.NewPipeline(ctx)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	var out any
	switch *stage {
	case "text":
		result, err := pipeline.RecognizeText(ctx, imageBase64)
		if err != nil {
			return err
		}
		out = map[string]string{"ocrText": result.Text}
	case "extract":
		result, err := pipeline.RecognizeText(ctx, imageBase64)
		if err != nil {
			return err
		}
		if out, err = pipeline.ExtractReceipt(ctx, result.Text); err != nil {
			return err
		}
	case "draft":
		if out, err = pipeline.ExtractExpenseFromImage(ctx, imageBase64); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid stage %q (valid: text, extract, draft)", *stage)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
