package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "github.com/clintrovert/foreman/internal/api/grpc"
	"github.com/clintrovert/foreman/internal/api/mcp"
	"github.com/clintrovert/foreman/internal/config"
)

const version = "0.1.0"

func main() {
	// stdout carries the protocol, so logs go to stderr
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Load(logger)

	conn, err := grpc.NewClient(cfg.GRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal("failed to connect to leader", zap.String("target", cfg.GRPCTarget), zap.Error(err))
	}
	defer conn.Close()

	s := mcp.NewServer(grpcapi.NewOperatorClient(conn), version, logger)

	logger.Info("serving MCP over stdio", zap.String("target", cfg.GRPCTarget))
	if err := server.ServeStdio(s); err != nil {
		logger.Fatal("mcp server failed", zap.Error(err))
	}
}
