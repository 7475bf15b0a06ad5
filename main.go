package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	conversationx "github.com/tanpawarit/salesline/agent/conversation"
	generatex "github.com/tanpawarit/salesline/agent/generate"
	llmx "github.com/tanpawarit/salesline/agent/llm"
	sessionx "github.com/tanpawarit/salesline/agent/session"
	stagex "github.com/tanpawarit/salesline/agent/stage"
	toolx "github.com/tanpawarit/salesline/agent/tool"
	calendlyx "github.com/tanpawarit/salesline/pkg/calendly"
	configx "github.com/tanpawarit/salesline/pkg/config"
	_ "github.com/tanpawarit/salesline/pkg/logger/autoload"
	mailerx "github.com/tanpawarit/salesline/pkg/mailer"
	openrouterx "github.com/tanpawarit/salesline/pkg/openrouter"
	stripex "github.com/tanpawarit/salesline/pkg/stripe"
)

type AppConfig struct {
	SalespersonName     string `split_words:"true" default:"Ted Lasso"`
	SalespersonRole     string `split_words:"true" default:"Business Development Representative"`
	CompanyName         string `split_words:"true" default:"Sleep Haven"`
	CompanyBusiness     string `split_words:"true"`
	CompanyValues       string `split_words:"true"`
	ConversationPurpose string `split_words:"true"`
	ConversationType    string `split_words:"true"`
	CustomerName        string `split_words:"true" default:"Customer"`

	CatalogID    string `split_words:"true" default:"default"`
	SessionStore string `split_words:"true" default:"memory"`

	UseTools           bool   `split_words:"true" default:"false"`
	ProductCatalogPath string `split_words:"true"`
	PriceTablePath     string `split_words:"true"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("AGENT")

	openRouterCfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	openRouterClient := openrouterx.NewClient(*openRouterCfg)
	if openRouterClient == nil {
		panic("failed to initialize openrouter client")
	}

	llmCfg := configx.MustNew[llmx.Config]("LLM")
	generatorLLM, err := llmx.NewClient(openRouterClient, *llmCfg, llmx.RoleGenerator)
	if err != nil {
		panic(err)
	}
	analyzerLLM, err := llmx.NewClient(openRouterClient, *llmCfg, llmx.RoleAnalyzer)
	if err != nil {
		panic(err)
	}
	extractorLLM, err := llmx.NewClient(openRouterClient, *llmCfg, llmx.RoleExtractor)
	if err != nil {
		panic(err)
	}

	store := newStore(ctx, appCfg.SessionStore)
	analyzer := stagex.NewAnalyzer(analyzerLLM)

	var genOpts []generatex.Option
	if appCfg.UseTools {
		registry := buildRegistry(appCfg, extractorLLM)
		if len(registry.List()) > 0 {
			genOpts = append(genOpts, generatex.WithTools(generatorLLM, registry))
		}
	}
	generator, err := generatex.New(generatorLLM, genOpts...)
	if err != nil {
		panic(err)
	}

	convCfg := configx.MustNew[conversationx.Config]("CONVERSATION")
	controller, err := conversationx.New(store, analyzer, generator, *convCfg)
	if err != nil {
		panic(err)
	}

	if err := runREPL(ctx, controller, appCfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("conversation runner failed")
	}
}

func newStore(ctx context.Context, kind string) sessionx.Store {
	if strings.EqualFold(kind, "postgres") {
		pgCfg := configx.MustNew[sessionx.PostgresConfig]("POSTGRES")
		db, err := sessionx.NewPostgresDB(*pgCfg)
		if err != nil {
			panic(err)
		}
		store := sessionx.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			panic(err)
		}
		return store
	}
	return sessionx.NewMemoryStore()
}

// buildRegistry registers every tool whose provider is configured. Missing
// provider config skips that tool instead of failing startup.
func buildRegistry(appCfg *AppConfig, extractor contractx.Completer) *toolx.Registry {
	registry := toolx.NewRegistry()

	if appCfg.ProductCatalogPath != "" {
		kb, err := toolx.NewCatalogKnowledgeBase(appCfg.ProductCatalogPath, extractor)
		if err != nil {
			log.Warn().Err(err).Msg("product search disabled")
		} else if err := registry.Register(toolx.NewProductSearchTool(kb)); err != nil {
			log.Warn().Err(err).Msg("product search disabled")
		}
	}

	if appCfg.PriceTablePath != "" {
		stripeCfg, err := configx.New[stripex.Config]("STRIPE")
		if err != nil {
			log.Warn().Err(err).Msg("payment links disabled")
		} else if gateway, err := stripex.NewClient(*stripeCfg); err != nil {
			log.Warn().Err(err).Msg("payment links disabled")
		} else if prices, err := toolx.LoadPriceTable(appCfg.PriceTablePath); err != nil {
			log.Warn().Err(err).Msg("payment links disabled")
		} else if err := registry.Register(toolx.NewPaymentLinkTool(gateway, extractor, prices)); err != nil {
			log.Warn().Err(err).Msg("payment links disabled")
		}
	}

	if mailCfg, err := configx.New[mailerx.Config]("SMTP"); err != nil {
		log.Warn().Err(err).Msg("email sending disabled")
	} else if transport, err := mailerx.NewClient(*mailCfg); err != nil {
		log.Warn().Err(err).Msg("email sending disabled")
	} else if err := registry.Register(toolx.NewSendEmailTool(transport, extractor, appCfg.SalespersonName, appCfg.CompanyName)); err != nil {
		log.Warn().Err(err).Msg("email sending disabled")
	}

	if calCfg, err := configx.New[calendlyx.Config]("CALENDLY"); err != nil {
		log.Warn().Err(err).Msg("calendar links disabled")
	} else if linker, err := calendlyx.NewClient(*calCfg); err != nil {
		log.Warn().Err(err).Msg("calendar links disabled")
	} else if err := registry.Register(toolx.NewCalendarLinkTool(linker)); err != nil {
		log.Warn().Err(err).Msg("calendar links disabled")
	}

	return registry
}

// runREPL seeds one session and alternates agent and human turns over stdin
// until the call ends or input runs out.
func runREPL(ctx context.Context, controller *conversationx.Controller, appCfg *AppConfig) error {
	s, err := controller.Seed(ctx, conversationx.SeedConfig{
		Persona: contractx.Persona{
			SalespersonName:     appCfg.SalespersonName,
			SalespersonRole:     appCfg.SalespersonRole,
			CompanyName:         appCfg.CompanyName,
			CompanyBusiness:     appCfg.CompanyBusiness,
			CompanyValues:       appCfg.CompanyValues,
			ConversationPurpose: appCfg.ConversationPurpose,
			ConversationType:    appCfg.ConversationType,
		},
		Customer:  contractx.CustomerIdentity{Name: appCfg.CustomerName},
		CatalogID: appCfg.CatalogID,
	})
	if err != nil {
		return err
	}
	sessionID := s.SessionID

	scanner := bufio.NewScanner(os.Stdin)
	for {
		resp, err := controller.AgentTurn(ctx, sessionID)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("agent turn aborted")
			fmt.Println(conversationx.ApologyMessage)
			return err
		}
		sessionID = resp.SessionID
		fmt.Printf("%s: %s\n", resp.SpeakerName, resp.ResponseText)
		if tool, ok := resp.FirstTool(); ok {
			log.Debug().Str("tool", tool.Tool).Str("input", tool.Input).Msg("turn used a tool")
		}
		if resp.Ended {
			return nil
		}

		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if s, err := controller.HumanTurn(ctx, sessionID, line); err != nil {
			return err
		} else {
			sessionID = s.SessionID
		}
	}
}
