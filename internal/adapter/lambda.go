package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
)

// lambdaInvoker is the slice of the AWS client the adapter uses,
// injectable for tests.
type lambdaInvoker interface {
	Invoke(ctx context.Context, in *awslambda.InvokeInput, opts ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error)
}

// Lambda invokes an AWS Lambda function as a module backend. The
// "event" invocation mode fires and forgets: Lambda queues the call
// and the adapter synthesizes an accepted response.
type Lambda struct {
	name         string
	client       lambdaInvoker
	functionName string
	async        bool
	timeout      time.Duration
	health       *healthTracker
}

// NewLambda builds the adapter, loading AWS credentials from the
// default chain.
func NewLambda(name string, cfg config.LambdaAdapterConfig, timeout time.Duration, unhealthyAfter int) (*Lambda, error) {
	if cfg.FunctionName == "" {
		return nil, errors.ErrAdapterClient.WithDetailf("module %s: lambda function_name is required", name)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	a := newLambdaWith(name, awslambda.NewFromConfig(awsCfg), cfg, timeout, unhealthyAfter)
	return a, nil
}

func newLambdaWith(name string, client lambdaInvoker, cfg config.LambdaAdapterConfig, timeout time.Duration, unhealthyAfter int) *Lambda {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Lambda{
		name:         name,
		client:       client,
		functionName: cfg.FunctionName,
		async:        cfg.Invocation == "event",
		timeout:      timeout,
		health:       newHealthTracker(unhealthyAfter),
	}
}

func (a *Lambda) Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	resp, err := a.execute(ctx, req)
	a.health.observe(err)
	return resp, err
}

func (a *Lambda) execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}

	invocation := lambdatypes.InvocationTypeRequestResponse
	if a.async {
		invocation = lambdatypes.InvocationTypeEvent
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.client.Invoke(ctx, &awslambda.InvokeInput{
		FunctionName:   aws.String(a.functionName),
		InvocationType: invocation,
		Payload:        payload,
	})
	if err != nil {
		return nil, classifyLambda(ctx, err)
	}

	// Function errors arrive with a 200 status and an error payload,
	// so they never look transient to the retry policy.
	if out.FunctionError != nil && *out.FunctionError != "" {
		return nil, errors.ErrAdapterClient.WithDetailf("function error %s: %s", *out.FunctionError, truncate(out.Payload, 256))
	}

	if a.async {
		return &event.ExecuteResponse{Success: true, Message: "accepted"}, nil
	}
	resp, err := event.DecodeResponse(out.Payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrAdapterClient, err)
	}
	return resp, nil
}

func (a *Lambda) Health() HealthStatus { return a.health.status() }

func classifyLambda(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(errors.ErrAdapterTimeout, err)
	}
	var tooMany *lambdatypes.TooManyRequestsException
	if stderrors.As(err, &tooMany) {
		return errors.Wrap(errors.ErrAdapterThrottled, err)
	}
	var notFound *lambdatypes.ResourceNotFoundException
	if stderrors.As(err, &notFound) {
		return errors.Wrap(errors.ErrUnknownFunction, err)
	}
	var invalid *lambdatypes.InvalidRequestContentException
	if stderrors.As(err, &invalid) {
		return errors.Wrap(errors.ErrAdapterClient, err)
	}
	var service *lambdatypes.ServiceException
	if stderrors.As(err, &service) {
		return errors.Wrap(errors.ErrAdapterServer, err)
	}
	return errors.Wrap(errors.ErrNetwork, err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
