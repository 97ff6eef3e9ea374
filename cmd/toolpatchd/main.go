package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/jadenj13/toolpatch/internals/llm"
	"github.com/jadenj13/toolpatch/internals/relay"
	"github.com/jadenj13/toolpatch/internals/report"
	"github.com/jadenj13/toolpatch/internals/server"
	"github.com/jadenj13/toolpatch/internals/tracker"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	addr := envOr("TOOLPATCH_ADDR", ":8080")
	secret := os.Getenv("TOOLPATCH_SECRET") // optional
	provider := os.Getenv("TOOLPATCH_PROVIDER")
	slackToken := os.Getenv("SLACK_BOT_TOKEN")
	slackChannel := os.Getenv("SLACK_NOTIFY_CHANNEL")
	repoURL := os.Getenv("INCIDENT_REPO_URL")
	githubToken := os.Getenv("GITHUB_TOKEN")
	gitlabToken := os.Getenv("GITLAB_TOKEN")
	maxRepairs, err := strconv.Atoi(envOr("TOOLPATCH_MAX_REPAIRS", "1"))
	if err != nil {
		log.Error("invalid TOOLPATCH_MAX_REPAIRS", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reporters := report.Multi{report.NewLogReporter(log)}
	if slackToken != "" && slackChannel != "" {
		reporters = append(reporters, report.NewSlackReporter(slackToken, slackChannel))
	}
	if repoURL != "" {
		t, repo, err := tracker.Open(ctx, repoURL, tracker.Credentials{
			GitHubToken:   githubToken,
			GitLabToken:   gitlabToken,
			GitLabBaseURL: os.Getenv("GITLAB_BASE_URL"),
		})
		if err != nil {
			log.Error("failed to set up incident tracker", "err", err)
			os.Exit(1)
		}
		log.Info("filing incidents", "platform", repo.Platform, "repo", repo.Path())
		reporters = append(reporters, report.NewTrackerReporter(t, "tool-results"))
	}

	opts := []server.Option{
		server.WithSecret(secret),
		server.WithReporter(reporters),
	}
	if c := completer(ctx, provider, log); c != nil {
		rl := relay.New(c, log,
			relay.WithReporter(reporters),
			relay.WithMaxRepairs(maxRepairs),
			relay.WithSource("toolpatchd"),
		)
		opts = append(opts, server.WithRelay(rl))
	}
	handler := server.New(log, opts...)

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		log.Info("toolpatchd listening", "addr", addr, "provider", provider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
}

// completer picks the model backend for /v1/send. It returns nil when no
// provider is configured.
func completer(ctx context.Context, provider string, log *slog.Logger) relay.Completer {
	switch provider {
	case "":
		return nil
	case "anthropic":
		return llm.NewClient(mustEnv("ANTHROPIC_API_KEY"),
			llm.WithMaxTokens(4096),
		)
	case "bedrock":
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		c, err := llm.NewBedrockClient(bedrockruntime.NewFromConfig(cfg), mustEnv("BEDROCK_MODEL_ID"), 4096)
		if err != nil {
			log.Error("failed to create bedrock client", "err", err)
			os.Exit(1)
		}
		return c
	default:
		log.Error("unknown provider", "provider", provider)
		os.Exit(1)
		return nil
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("missing required env var", "key", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
