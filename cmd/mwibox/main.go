// mwibox is a voicemail style MWI application server: it parks channels
// sent into its Stasis application, lets callers record or replay messages
// and keeps the mailbox message waiting counts in sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arivoip/stasio"
	"github.com/arivoip/stasio/ari"
	"github.com/arivoip/stasio/mailbox"
	"github.com/arivoip/stasio/recstore"
)

var rootCmd = &cobra.Command{
	Use:          "mwibox",
	Short:        "Voicemail MWI application server over ARI",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.String("ari-url", "http://127.0.0.1:8088/ari", "ARI REST base url")
	flags.String("ws-url", "", "ARI events websocket url, derived from ari-url when empty")
	flags.String("username", "asterisk", "ARI username")
	flags.String("password", "", "ARI password")
	flags.String("app", "mwibox", "Stasis application name")
	flags.Int("record-max-duration", 120, "max recording length in seconds")
	flags.String("redis", "", "redis addr for shared mailbox counts, empty keeps counts on the ARI server")
	flags.String("archive-dir", "", "local dir to archive recordings into, disabled when empty")
	flags.Duration("archive-interval", time.Minute, "how often to sync the local archive")
	flags.String("log-level", "info", "zerolog level")
	flags.String("log-file", "", "log to a rotated file instead of stdout")

	viper.SetEnvPrefix("MWIBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("mwibox finished with error")
	}
}

func run(ctx context.Context) error {
	setupLogger()

	client, err := ari.NewClient(ari.Config{
		URL:               viper.GetString("ari-url"),
		WebsocketURL:      viper.GetString("ws-url"),
		Username:          viper.GetString("username"),
		Password:          viper.GetString("password"),
		Application:       viper.GetString("app"),
		RecordMaxDuration: viper.GetInt("record-max-duration"),
	})
	if err != nil {
		return err
	}

	// Counts live on the ARI server itself so Asterisk signals MWI, unless
	// a redis addr points at shared state for multiple instances.
	var store mailbox.Store = client.Mailboxes()
	if addr := viper.GetString("redis"); addr != "" {
		rstore, err := mailbox.OpenRedis(ctx, mailbox.RedisConfig{Addr: addr})
		if err != nil {
			return err
		}
		defer rstore.Close()
		store = rstore
		log.Info().Str("addr", addr).Msg("Mailbox counts in redis")
	}

	if dir := viper.GetString("archive-dir"); dir != "" {
		archive, err := recstore.NewDir(dir)
		if err != nil {
			return err
		}
		go archiveLoop(ctx, client, archive, viper.GetDuration("archive-interval"))
	}

	engine := stasio.NewEngine(client,
		stasio.WithLogger(log.Logger),
		stasio.WithMailboxes(mailbox.NewService(store)),
		stasio.WithRecordings(client),
	)

	log.Info().Str("app", viper.GetString("app")).Str("url", viper.GetString("ari-url")).Msg("Starting engine")

	// Reconnect with backoff until the context ends
	for {
		err := engine.Serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Msg("Engine stopped, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func setupLogger() {
	lev, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	if file := viper.GetString("log-file"); file != "" {
		log.Logger = zerolog.New(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
		}).With().Timestamp().Logger().Level(lev)
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)
}

// archiveLoop mirrors server side recordings into the local wav archive so
// messages survive server storage cleanup.
func archiveLoop(ctx context.Context, client *ari.Client, archive *recstore.Dir, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := archiveOnce(ctx, client, archive); err != nil {
				log.Error().Err(err).Msg("Recording archive sync failed")
			}
		}
	}
}

func archiveOnce(ctx context.Context, client *ari.Client, archive *recstore.Dir) error {
	remote, err := client.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing remote recordings: %w", err)
	}

	for _, rec := range remote {
		if archive.Has(rec.ID) {
			continue
		}
		if err := archiveRecording(ctx, client, archive, rec.ID); err != nil {
			log.Warn().Err(err).Str("recording", rec.ID).Msg("Failed to archive recording")
		}
	}
	return nil
}

func archiveRecording(ctx context.Context, client *ari.Client, archive *recstore.Dir, id string) error {
	body, err := client.Fetch(ctx, id)
	if err != nil {
		return err
	}
	defer body.Close()
	return archive.Put(ctx, id, body)
}
