package main

import (
	"context"
	"log"

	"github.com/blueflame567/SyllabTrack/app"
	"github.com/blueflame567/SyllabTrack/app/config"
	"github.com/blueflame567/SyllabTrack/app/logger"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
)

var ginLambda *ginadapter.GinLambda

// init runs once per Lambda container (cold start)
func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	// Local auth bypass never applies inside Lambda.
	cfg.Auth.Disabled = false

	zl, err := logger.New(cfg.Logs)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	rt, err := app.Bootstrap(context.Background(), cfg, zl)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	// Wrap Gin router with Lambda adapter
	ginLambda = ginadapter.New(app.NewRouter(rt.Server))
}

// Handler is the Lambda entrypoint for API Gateway REST/HTTP API (proxy integration)
func Handler(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return ginLambda.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(Handler)
}
