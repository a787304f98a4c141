package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-gesture/pipeline"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	config := pipeline.DefaultConfig()
	config.Output = os.Stdout

	p, err := pipeline.New(config, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	result, err := p.Run()
	if err != nil {
		logger.Fatal().Err(err).Msg("training failed")
	}

	for _, phase := range result.Phases {
		logger.Info().
			Str("phase", phase.Name).
			Int("best_epoch", phase.BestEpoch).
			Float64("best_val_loss", phase.BestValLoss).
			Str("stop_reason", phase.StopReason.String()).
			Msg("Phase complete")
	}
}
