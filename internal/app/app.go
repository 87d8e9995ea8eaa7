// Package app runs the storectl harness: a basic walkthrough of the store
// operations and a timing run over a configurable number of rows.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophstore/internal/config"
	"github.com/dmitrijs2005/gophstore/internal/cryptox"
	"github.com/dmitrijs2005/gophstore/internal/logging"
	"github.com/dmitrijs2005/gophstore/internal/models"
	"github.com/dmitrijs2005/gophstore/internal/session"
	"github.com/dmitrijs2005/gophstore/internal/store"
	"github.com/dmitrijs2005/gophstore/internal/tagindex"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/term"
)

type App struct {
	config *config.Config
	logger logging.Logger
	out    io.Writer
	prompt func() (string, error)
}

func NewApp(c *config.Config, stdout, stderr io.Writer) *App {
	h := slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: logging.ParseLevel(c.LogLevel)})
	return &App{
		config: c,
		logger: logging.NewSlogLogger(slog.New(h)),
		out:    stdout,
		prompt: terminalPrompt,
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) (err error) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.initSignalHandler(cancelFunc)

	app.printf("gophstore version: %s\n", store.Version)

	key, err := app.resolveKey()
	if err != nil {
		return err
	}

	opts, err := app.config.StoreOptions(app.logger)
	if err != nil {
		return err
	}

	s, err := store.Provision(ctx, app.config.URI, app.config.KeyScheme, key, opts...)
	if err != nil {
		return fmt.Errorf("provision error: %w", err)
	}
	defer func() {
		err = multierr.Append(err, s.Close(context.WithoutCancel(ctx)))
	}()

	app.printf("Provisioned store: %s\n", s)

	switch app.config.Mode {
	case config.ModePerf:
		return app.perf(ctx, s)
	default:
		return app.basic(ctx, s)
	}
}

// resolveKey returns the configured key. A raw scheme without a key gets a
// freshly generated one; a KDF scheme without a passphrase asks for it.
func (app *App) resolveKey() (string, error) {
	if app.config.Key != "" {
		return app.config.Key, nil
	}
	if cryptox.IsKDFScheme(app.config.KeyScheme) {
		return app.prompt()
	}
	key := cryptox.GenerateRawKey().String()
	app.printf("Generated key: %s\n", key)
	return key, nil
}

func terminalPrompt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("passphrase required: stdin is not a terminal, use -k")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(b), nil
}

func (app *App) basic(ctx context.Context, s *store.Store) error {
	tags := map[string]string{"~plaintag": "a", "enctag": "b"}

	if err := s.Update(ctx, models.NewUpdateEntry("category", "name", []byte("value"), tags)); err != nil {
		return err
	}

	n, err := s.Count(ctx, "category", tagindex.Filter{})
	if err != nil {
		return err
	}
	app.printf("row count: %d\n", n)

	e, err := s.Fetch(ctx, "category", "name")
	if err != nil {
		return err
	}
	app.printEntry("fetched", e)

	it, err := s.Scan(ctx, "category", tagindex.ParseFilter(tags))
	if err != nil {
		return err
	}
	for e, err := range it.All(ctx) {
		if err != nil {
			return err
		}
		app.printEntry("scan result", e)
	}

	placeholder := models.NewUpdateEntry("category", "name", []byte("value"), tags).Entry
	return s.WithLock(ctx, placeholder, func(ctx context.Context, l *session.Lock) error {
		app.printEntry(fmt.Sprintf("locked (created=%t)", l.Created()), l.Entry())
		return l.Update(ctx, models.NewUpdateEntry("category2", "name2", []byte("value2"), nil))
	})
}

func (app *App) perf(ctx context.Context, s *store.Store) error {
	rows := app.config.Rows
	category := "perf-" + uuid.NewString()
	tags := map[string]string{"~plaintag": "a", "enctag": "b"}

	start := time.Now()
	for i := range rows {
		e := models.NewUpdateEntry(category, fmt.Sprintf("name-%d", i), []byte("value"), tags)
		if err := s.Update(ctx, e); err != nil {
			return err
		}
	}
	app.printf("insert duration (%d rows): %0.2fs\n", rows, time.Since(start).Seconds())

	tagCount := 0
	start = time.Now()
	for i := range rows {
		e, err := s.Fetch(ctx, category, fmt.Sprintf("name-%d", i))
		if err != nil {
			return err
		}
		tagCount += len(e.Tags)
	}
	app.printf("fetch duration (%d rows, %d tags): %0.2fs\n", rows, tagCount, time.Since(start).Seconds())

	rc, tagCount := 0, 0
	start = time.Now()
	it, err := s.Scan(ctx, category, tagindex.Filter{})
	if err != nil {
		return err
	}
	for e, err := range it.All(ctx) {
		if err != nil {
			return err
		}
		rc++
		tagCount += len(e.Tags)
	}
	app.printf("scan duration (%d rows, %d tags): %0.2fs\n", rc, tagCount, time.Since(start).Seconds())
	return nil
}

func (app *App) printEntry(label string, e *models.Entry) {
	if e == nil {
		app.printf("%s: <none>\n", label)
		return
	}
	app.printf("%s: %s value=%q tags=%v\n", label, e.Key(), e.Value, e.Tags)
}

func (app *App) printf(format string, args ...any) {
	fmt.Fprintf(app.out, format, args...)
}
