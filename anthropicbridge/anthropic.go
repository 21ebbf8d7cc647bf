// Package anthropicbridge lets a Claude model call tools served over MCP.
package anthropicbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mcpwire/mcp"
	"mcpwire/utils"
)

const (
	EnvAPIKey = "ANTHROPIC_API_KEY"

	DefaultMaxTokens = 1024
	DefaultMaxTurns  = 8
)

var ErrNoAPIKey = errors.New("no " + EnvAPIKey + " found")

// ToolRunner executes an MCP tool by name. The hub routes across servers, a single
// mcp.Client also satisfies it.
type ToolRunner interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

type Bridge struct {
	client    *anthropic.Client
	tracer    trace.Tracer
	log       zerolog.Logger
	model     anthropic.Model
	maxTokens int64
	maxTurns  int
}

type Opts struct {
	tracerProvider trace.TracerProvider
	log            zerolog.Logger
	client         *anthropic.Client
	model          string
	maxTokens      int64
	maxTurns       int
}

type OptsFunc func(o *Opts)

func WithTracerProvider(tp trace.TracerProvider) OptsFunc {
	return func(o *Opts) {
		o.tracerProvider = tp
	}
}

func WithLogger(log zerolog.Logger) OptsFunc {
	return func(o *Opts) {
		o.log = log
	}
}

// WithClient skips the API key lookup.
func WithClient(c *anthropic.Client) OptsFunc {
	return func(o *Opts) {
		o.client = c
	}
}

func WithModel(model string) OptsFunc {
	return func(o *Opts) {
		o.model = model
	}
}

func WithMaxTokens(n int64) OptsFunc {
	return func(o *Opts) {
		o.maxTokens = n
	}
}

// WithMaxTurns bounds how many model replies one Converse call may request.
func WithMaxTurns(n int) OptsFunc {
	return func(o *Opts) {
		o.maxTurns = n
	}
}

func New(opts ...OptsFunc) (*Bridge, error) {
	o := Opts{
		tracerProvider: noop.NewTracerProvider(),
		log:            zerolog.Nop(),
		model:          string(anthropic.ModelClaude3_7SonnetLatest),
		maxTokens:      DefaultMaxTokens,
		maxTurns:       DefaultMaxTurns,
	}
	for _, optFunc := range opts {
		optFunc(&o)
	}

	client := o.client
	if client == nil {
		var err error
		if client, err = GetAnthropicClient(); err != nil {
			return nil, err
		}
	}

	return &Bridge{
		client:    client,
		tracer:    o.tracerProvider.Tracer("mcpwire/anthropicbridge"),
		log:       o.log.With().Str("component", "anthropicbridge").Logger(),
		model:     anthropic.Model(o.model),
		maxTokens: o.maxTokens,
		maxTurns:  o.maxTurns,
	}, nil
}

func GetAnthropicClient() (*anthropic.Client, error) {
	apiKey, ok := os.LookupEnv(EnvAPIKey)
	if !ok || apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &client, nil
}

func GetAnthropicTools(tools []mcp.Tool) []anthropic.ToolUnionParam {
	return utils.Map2(tools, getAnthropicTool)
}

func getAnthropicTool(val mcp.Tool) anthropic.ToolUnionParam {
	tool := &anthropic.ToolParam{
		Name:        val.Name,
		InputSchema: getAnthropicInputSchema(val.InputSchema),
	}
	if val.Description != nil {
		tool.Description = param.Opt[string]{Value: *val.Description}
	}
	return anthropic.ToolUnionParam{OfTool: tool}
}

func getAnthropicInputSchema(schema mcp.ToolInputSchema) anthropic.ToolInputSchemaParam {
	properties := schema.Properties
	if properties == nil {
		properties = map[string]map[string]any{}
	}
	return anthropic.ToolInputSchemaParam{
		Properties: properties,
		Type:       constant.Object("object"),
	}
}

// UserText builds a plain user turn.
func UserText(text string) anthropic.MessageParam {
	return anthropic.MessageParam{
		Content: []anthropic.ContentBlockParamUnion{{
			OfRequestTextBlock: &anthropic.TextBlockParam{Text: text},
		}},
		Role: anthropic.MessageParamRoleUser,
	}
}

// StreamMessage streams one model reply, handing text deltas to onText as they
// arrive, and returns the accumulated message.
func (b *Bridge) StreamMessage(ctx context.Context, input anthropic.MessageNewParams, onText func(string)) (*anthropic.Message, error) {
	ctx, span := b.tracer.Start(ctx, "anthropicbridge.StreamMessage")
	defer span.End()

	stream := b.client.Messages.NewStreaming(ctx, input)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onText != nil {
					onText(deltaVariant.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("stop_reason", string(message.StopReason)))
	return &message, nil
}

// Converse sends the conversation with tools attached and keeps answering tool_use
// turns through runner until the model stops asking or the turn limit is hit. It
// returns the conversation extended with every turn taken.
func (b *Bridge) Converse(
	ctx context.Context,
	conversation []anthropic.MessageParam,
	tools []mcp.Tool,
	runner ToolRunner,
	onText func(string),
) ([]anthropic.MessageParam, error) {
	ctx, span := b.tracer.Start(ctx, "anthropicbridge.Converse")
	defer span.End()

	anthropicTools := GetAnthropicTools(tools)
	for turn := 0; turn < b.maxTurns; turn++ {
		message, err := b.StreamMessage(ctx, anthropic.MessageNewParams{
			MaxTokens: b.maxTokens,
			Messages:  conversation,
			Model:     b.model,
			Tools:     anthropicTools,
		}, onText)
		if err != nil {
			return conversation, err
		}

		reply := make([]anthropic.ContentBlockParamUnion, 0, len(message.Content))
		for _, block := range message.Content {
			reply = append(reply, block.ToParam())
		}
		conversation = append(conversation, anthropic.MessageParam{
			Content: reply,
			Role:    anthropic.MessageParamRoleAssistant,
		})

		uses := ToolUses(message)
		if message.StopReason != "tool_use" || len(uses) == 0 {
			return conversation, nil
		}
		b.log.Debug().Int("turn", turn).Int("tool_uses", len(uses)).Msg("model requested tools")
		conversation = append(conversation, anthropic.MessageParam{
			Content: RunTools(ctx, runner, uses),
			Role:    anthropic.MessageParamRoleUser,
		})
	}

	span.SetStatus(codes.Error, "turn limit reached")
	return conversation, fmt.Errorf("conversation still requesting tools after %d turns", b.maxTurns)
}

type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolUses extracts the tool_use blocks of a model reply in order.
func ToolUses(message *anthropic.Message) []ToolUse {
	var uses []ToolUse
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.ToolUseBlock:
			uses = append(uses, ToolUse{
				ID:    variant.ID,
				Name:  variant.Name,
				Input: json.RawMessage(variant.Input),
			})
		}
	}
	return uses
}

type ToolResult struct {
	ToolUseID string
	Text      string
	IsError   bool
}

// ExecuteToolUses runs each tool use in order. Failures become error results so the
// model can see them instead of aborting the conversation.
func ExecuteToolUses(ctx context.Context, runner ToolRunner, uses []ToolUse) []ToolResult {
	results := make([]ToolResult, 0, len(uses))
	for _, use := range uses {
		results = append(results, executeToolUse(ctx, runner, use))
	}
	return results
}

func executeToolUse(ctx context.Context, runner ToolRunner, use ToolUse) ToolResult {
	args := map[string]any{}
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &args); err != nil {
			return ToolResult{ToolUseID: use.ID, Text: fmt.Sprintf("invalid tool input: %v", err), IsError: true}
		}
	}

	result, err := runner.ExecuteTool(ctx, use.Name, args)
	if err != nil {
		return ToolResult{ToolUseID: use.ID, Text: err.Error(), IsError: true}
	}
	return ToolResult{ToolUseID: use.ID, Text: result.Text(), IsError: result.IsError}
}

// RunTools executes the tool uses and returns the matching tool_result blocks.
func RunTools(ctx context.Context, runner ToolRunner, uses []ToolUse) []anthropic.ContentBlockParamUnion {
	return ToolResultBlocks(ExecuteToolUses(ctx, runner, uses))
}

// ToolResultBlocks converts results to tool_result blocks. Error results are prefixed
// so the model can tell them apart.
func ToolResultBlocks(results []ToolResult) []anthropic.ContentBlockParamUnion {
	return utils.Map2(results, func(r ToolResult) anthropic.ContentBlockParamUnion {
		text := r.Text
		if r.IsError {
			text = "error: " + text
		}
		return anthropic.ContentBlockParamUnion{
			OfRequestToolResultBlock: &anthropic.ToolResultBlockParam{
				ToolUseID: r.ToolUseID,
				Content: []anthropic.ToolResultBlockParamContentUnion{{
					OfRequestTextBlock: &anthropic.TextBlockParam{Text: text},
				}},
			},
		}
	})
}

// ToolResultMessage packs tool results into the user turn that answers a tool_use
// reply.
func ToolResultMessage(results []ToolResult) anthropic.MessageParam {
	return anthropic.MessageParam{
		Content: ToolResultBlocks(results),
		Role:    anthropic.MessageParamRoleUser,
	}
}
