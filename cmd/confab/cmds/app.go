package cmds

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/handler"
	"github.com/go-go-golems/confab/pkg/helpers"
	"github.com/go-go-golems/confab/pkg/moderation"
	"github.com/go-go-golems/confab/pkg/settings"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/stream"
	"github.com/go-go-golems/confab/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const chatTopic = "chat"

// App holds everything a command needs: settings, the loaded conversation
// store, the handler registry and the event router printing to the terminal.
type App struct {
	Settings *settings.Settings
	Store    *store.Store
	Registry *handler.Registry
	Router   *events.EventRouter

	persister store.Persister
}

func newStreamer(s *settings.Settings, fake bool) *stream.Generator {
	var adapter backend.Adapter
	if fake {
		adapter = backend.NewFixtureAdapter(
			backend.WithChunkSize(4),
			backend.WithChunkDelay(15*time.Millisecond),
		)
	} else {
		adapter = backend.NewHTTPAdapter(backend.WithTimeout(s.Backend.Timeout))
	}

	g := &stream.Generator{Backend: adapter}
	if s.Moderation.Enabled {
		var options []moderation.OpenAIOption
		if s.Moderation.BaseURL != "" {
			options = append(options, moderation.WithBaseURL(s.Moderation.BaseURL))
		}
		if s.Moderation.Model != "" {
			options = append(options, moderation.WithModel(s.Moderation.Model))
		}
		g.Moderator = moderation.NewOpenAIModerator(s.Moderation.APIKey, options...)
	}
	return g
}

// NewApp loads the settings and the stored conversations. Events are printed
// to out.
func NewApp(ctx context.Context, v *viper.Viper, out io.Writer) (*App, error) {
	s, err := settings.Load(v)
	if err != nil {
		return nil, err
	}

	p, err := s.OpenPersister()
	if err != nil {
		return nil, err
	}
	st := store.NewStore(store.WithPersister(p))
	if err := st.Load(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	router, err := events.NewEventRouter(
		events.WithLogger(helpers.NewWatermill(log.Logger)),
		events.WithOutput(out),
		events.WithVerbose(v.GetBool("verbose")),
	)
	if err != nil {
		_ = p.Close()
		return nil, errors.Wrap(err, "failed to create event router")
	}
	if v.GetBool("print-raw-events") {
		router.AddHandler("raw", chatTopic, router.DumpRawEvents)
	} else {
		router.AddHandler("printer", chatTopic, events.PrinterFunc(out))
	}

	counter := tokens.NewCachedCounter(tokens.NewTiktokenCounter())
	registry := handler.NewRegistry(st, newStreamer(s, v.GetBool("fake")),
		handler.WithCounter(counter),
		handler.WithEventSink(router.Sink(chatTopic)),
		handler.WithCachePolicy(s.Cache),
		handler.WithModelID(s.Backend.Model),
		handler.WithAccess(s.Access()),
	)

	return &App{
		Settings:  s,
		Store:     st,
		Registry:  registry,
		Router:    router,
		persister: p,
	}, nil
}

// Run runs fn while the event router is running, then saves the store.
func (a *App) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer cancel()
		return a.Router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-a.Router.Running()
		return fn(ctx)
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	// the run context is cancelled by now
	return a.Store.Save(context.Background())
}

func (a *App) Close() error {
	a.Registry.Close()
	_ = a.Router.Close()
	return a.persister.Close()
}

// Conversation resolves a conversation by id or id prefix. An empty id picks
// the most recent conversation, creating one if there is none and create is
// set.
func (a *App) Conversation(id string, create bool) (*conversation.Conversation, error) {
	convs := a.Store.GetState().Conversations
	if id == "" {
		if len(convs) > 0 {
			return convs[0], nil
		}
		if create {
			return a.Store.Create("default"), nil
		}
		return nil, errors.Wrap(store.ErrConversationNotFound, "no conversations yet")
	}

	var found *conversation.Conversation
	for _, c := range convs {
		if string(c.ID) == id {
			return c, nil
		}
		if strings.HasPrefix(string(c.ID), id) {
			if found != nil {
				return nil, errors.Errorf("conversation id prefix %q is ambiguous", id)
			}
			found = c
		}
	}
	if found == nil {
		return nil, errors.Wrapf(store.ErrConversationNotFound, "conversation %s", id)
	}
	return found, nil
}
