package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	goredis "github.com/redis/go-redis/v9"

	"support-agent/handler"
	"support-agent/internal/geo"
	"support-agent/internal/integrations/openai"
	"support-agent/internal/integrations/paramstore"
	"support-agent/internal/repository"
	"support-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	paramPrefix := mustEnv("PARAM_PREFIX")
	stateBackend := envOr("STATE_BACKEND", "dynamodb")
	agentMode := envOr("AGENT_MODE", "router")
	classifierKind := envOr("CLASSIFIER", "llm")
	fallbackPolicy := usecase.FallbackPolicy(os.Getenv("CLASSIFIER_FALLBACK"))
	maxHistory := envInt("MAX_HISTORY_MESSAGES", 20)

	// ---- AWS SDK config ----
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	store := buildStore(cfg, stateBackend)

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Use case ----
	var uc handler.ChatUseCase
	switch agentMode {
	case "supervisor":
		coverage, err := geo.Load()
		if err != nil {
			slog.Error("failed to load coverage index", "err", err)
			os.Exit(1)
		}
		uc, err = usecase.NewSupervisorService(ssmClient, openaiClient, store, coverage, paramPrefix, maxHistory)
		if err != nil {
			slog.Error("failed to create supervisor service", "err", err)
			os.Exit(1)
		}
	case "router":
		classifier := buildClassifier(classifierKind, openaiClient)
		uc, err = usecase.NewChatService(ssmClient, openaiClient, classifier, store, paramPrefix, maxHistory, fallbackPolicy)
		if err != nil {
			slog.Error("failed to create chat service", "err", err)
			os.Exit(1)
		}
	default:
		slog.Error("unknown agent mode", "mode", agentMode)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(uc)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func buildStore(cfg aws.Config, backend string) usecase.ConversationStore {
	switch backend {
	case "memory":
		return repository.NewMemory()
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: mustEnv("REDIS_ADDR")})
		store, err := repository.NewRedis(client)
		if err != nil {
			slog.Error("failed to create redis store", "err", err)
			os.Exit(1)
		}
		return store
	case "dynamodb":
		store, err := repository.New(awsdynamodb.NewFromConfig(cfg), mustEnv("STATE_TABLE"))
		if err != nil {
			slog.Error("failed to create dynamodb store", "err", err)
			os.Exit(1)
		}
		return store
	}
	slog.Error("unknown state backend", "backend", backend)
	os.Exit(1)
	return nil
}

func buildClassifier(kind string, llm usecase.LLMClient) usecase.Classifier {
	switch kind {
	case "keyword":
		return usecase.NewKeywordClassifier()
	case "llm":
		classifier, err := usecase.NewLLMClassifier(llm)
		if err != nil {
			slog.Error("failed to create classifier", "err", err)
			os.Exit(1)
		}
		return classifier
	}
	slog.Error("unknown classifier", "classifier", kind)
	os.Exit(1)
	return nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
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

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
