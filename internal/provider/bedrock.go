package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"
)

func init() {
	RegisterAdapter("aws", func(creds map[string]string) (Adapter, error) {
		return NewBedrockAdapter(creds["access_key_id"], creds["secret_access_key"], creds["region"])
	})
}

// BedrockAdapter talks to AWS Bedrock over the Converse API with IAM
// credentials. Responses are translated into the OpenAI-compatible schema.
type BedrockAdapter struct {
	region  string
	runtime *bedrockruntime.Client
	control *bedrock.Client
}

// NewBedrockAdapter creates an adapter with static IAM credentials.
func NewBedrockAdapter(accessKey, secretKey, region string) (*BedrockAdapter, error) {
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("aws: access_key_id and secret_access_key are required")
	}
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)),
		awsconfig.WithHTTPClient(newHTTPClient(true)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockAdapter{
		region:  region,
		runtime: bedrockruntime.NewFromConfig(awsCfg),
		control: bedrock.NewFromConfig(awsCfg),
	}, nil
}

// Region reports the configured AWS region, used for routing tie-breaks.
func (a *BedrockAdapter) Region() string { return a.region }

// classifyAWSError maps SDK failures onto the adapter error taxonomy using
// the error strings the service returns; the SDK does not expose stable
// sentinel types for all of these.
func classifyAWSError(err error) *Error {
	msg := err.Error()
	cat := CategoryTransient
	switch {
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "UnrecognizedClient"),
		strings.Contains(msg, "InvalidSignature"):
		cat = CategoryInvalidCredentials
	case strings.Contains(msg, "ResourceNotFound"):
		cat = CategoryModelNotFound
	case strings.Contains(msg, "ThrottlingException"), strings.Contains(msg, "TooManyRequests"):
		cat = CategoryRateLimitedUpstream
	case strings.Contains(msg, "ValidationException") && strings.Contains(msg, "too long"):
		cat = CategoryContextWindowExceeded
	case strings.Contains(msg, "ValidationException"):
		cat = CategoryPermanent
	}
	return &Error{Category: cat, Provider: "aws", Message: msg, Err: err}
}

// buildConverse translates the OpenAI-shaped request into Converse inputs.
func buildConverse(req *Request) ([]types.Message, []types.SystemContentBlock, *types.InferenceConfiguration, error) {
	if req.Kind == KindEmbedding {
		return nil, nil, nil, &Error{Category: CategoryModelNotFound, Provider: "aws",
			Message: "embeddings are not routed through the Converse API"}
	}

	var system []types.SystemContentBlock
	var messages []types.Message

	appendText := func(role types.ConversationRole, text string) {
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
		})
	}

	if req.Kind == KindCompletion {
		if prompt, ok := req.Prompt.(string); ok {
			appendText(types.ConversationRoleUser, prompt)
		}
	}
	for _, m := range req.Messages {
		text, _ := m.Content.(string)
		switch m.Role {
		case "system":
			system = append(system, &types.SystemContentBlockMemberText{Value: text})
		case "assistant":
			appendText(types.ConversationRoleAssistant, text)
		default:
			appendText(types.ConversationRoleUser, text)
		}
	}

	inference := &types.InferenceConfiguration{}
	if req.MaxTokens != nil {
		inference.MaxTokens = aws.Int32(int32(*req.MaxTokens))
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
	}
	return messages, system, inference, nil
}

func bedrockStopToFinish(reason types.StopReason) string {
	switch reason {
	case types.StopReasonMaxTokens:
		return "length"
	case types.StopReasonToolUse:
		return "tool_calls"
	default:
		return "stop"
	}
}

func (a *BedrockAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	messages, system, inference, err := buildConverse(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := a.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}

	var text string
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*types.ContentBlockMemberText); ok {
				text += t.Value
			}
		}
	}

	var inputTokens, outputTokens int64
	if out.Usage != nil {
		inputTokens = int64(aws.ToInt32(out.Usage.InputTokens))
		outputTokens = int64(aws.ToInt32(out.Usage.OutputTokens))
	}

	body := map[string]any{
		"id":      "chatcmpl-" + uuid.New().String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": bedrockStopToFinish(out.StopReason),
		}},
		"usage": map[string]any{
			"prompt_tokens":     inputTokens,
			"completion_tokens": outputTokens,
			"total_tokens":      inputTokens + outputTokens,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	cost, known := EstimateCost(req.Model, inputTokens, outputTokens)
	return &Result{
		Body:          raw,
		ModelID:       req.Model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		LatencyMs:     time.Since(start).Milliseconds(),
		EstimatedCost: cost,
		PricingKnown:  known,
	}, nil
}

// InvokeStream converts a ConverseStream into OpenAI chat.completion.chunk
// frames; metadata events carry the usage that rides out on the last frame.
func (a *BedrockAdapter) InvokeStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	messages, system, inference, err := buildConverse(req)
	if err != nil {
		return nil, err
	}

	stream, err := a.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		reader := stream.GetStream()
		defer reader.Close()

		id := "chatcmpl-" + uuid.New().String()
		created := time.Now().Unix()
		var inputTokens, outputTokens int64
		finish := "stop"

		emit := func(delta map[string]any, finishReason string, withUsage bool) bool {
			choice := map[string]any{"index": 0, "delta": delta}
			if finishReason != "" {
				choice["finish_reason"] = finishReason
			}
			frame := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   req.Model,
				"choices": []map[string]any{choice},
			}
			if withUsage {
				frame["usage"] = map[string]any{
					"prompt_tokens":     inputTokens,
					"completion_tokens": outputTokens,
					"total_tokens":      inputTokens + outputTokens,
				}
			}
			raw, err := json.Marshal(frame)
			if err != nil {
				return false
			}
			select {
			case out <- Chunk{Data: string(raw)}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for event := range reader.Events() {
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberMessageStart:
				if !emit(map[string]any{"role": "assistant", "content": ""}, "", false) {
					return
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					if !emit(map[string]any{"content": delta.Value}, "", false) {
						return
					}
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				finish = bedrockStopToFinish(v.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage != nil {
					inputTokens = int64(aws.ToInt32(v.Value.Usage.InputTokens))
					outputTokens = int64(aws.ToInt32(v.Value.Usage.OutputTokens))
				}
			}
		}
		if err := reader.Err(); err != nil {
			out <- Chunk{Err: classifyAWSError(err)}
			return
		}
		emit(map[string]any{}, finish, true)
	}()
	return out, nil
}

// ValidateCredentials lists foundation models, which exercises SigV4 signing
// without mutating anything.
func (a *BedrockAdapter) ValidateCredentials(ctx context.Context) (*Validation, error) {
	if _, err := a.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{}); err != nil {
		provErr := classifyAWSError(err)
		if provErr.Category == CategoryInvalidCredentials {
			return &Validation{Valid: false, Message: "invalid IAM credentials"}, nil
		}
		return nil, provErr
	}
	return &Validation{Valid: true, AccountID: a.region}, nil
}

func (a *BedrockAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	out, err := a.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByOutputModality: bedrocktypes.ModelModalityText,
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}

	models := make([]ModelInfo, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		modelID := aws.ToString(m.ModelId)
		in, outPrice, _ := LookupPrice(modelID)
		models = append(models, ModelInfo{
			ModelID:            modelID,
			DisplayName:        aws.ToString(m.ModelName),
			ContextWindow:      200000,
			InputPricePer1M:    in,
			OutputPricePer1M:   outPrice,
			StreamingSupported: aws.ToBool(m.ResponseStreamingSupported),
			Capabilities:       []string{"chat"},
		})
	}
	return models, nil
}

// GetCosts requires Cost Explorer permissions most gateway credentials do
// not carry; spend is accounted locally from usage rows.
func (a *BedrockAdapter) GetCosts(_ context.Context, _, _ time.Time) (*CostReport, error) {
	return &CostReport{Currency: "USD"}, nil
}

func (a *BedrockAdapter) HealthCheck(ctx context.Context) (*Health, error) {
	start := time.Now()
	_, err := a.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	return &Health{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}, nil
}
