package llm

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
)

// BedrockProvider wraps AWS Bedrock's Converse API. It does not support
// streaming; GenerateStream on the client falls back to a single
// Generate call, per SPEC_FULL.md §4.4.
type BedrockProvider struct {
	client      *bedrockruntime.Client
	model       string
	maxTokens   int32
	temperature float32
}

func NewBedrockProvider(ctx context.Context, region, model string, maxTokens int, temperature float64) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, aerrors.Wrap(err, "load aws config for bedrock")
	}
	return &BedrockProvider{
		client:      bedrockruntime.NewFromConfig(cfg),
		model:       model,
		maxTokens:   int32(maxTokens),
		temperature: float32(temperature),
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Generate(ctx context.Context, prompt string) (string, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(p.maxTokens),
			Temperature: aws.Float32(p.temperature),
		},
	}

	output, err := p.client.Converse(ctx, input)
	if err != nil {
		return "", aerrors.Wrap(err, "bedrock converse")
	}

	message, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", aerrors.Wrap(aerrors.ErrVerificationFailed, "unexpected bedrock output type")
	}

	var text string
	for _, block := range message.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += t.Value
		}
	}
	return text, nil
}
