package bedrock

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/linkmind/linkmind/runtime/model"
)

type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntimeClient) Converse(
	_ context.Context,
	params *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	return s.output, s.err
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{DefaultModel: "anthropic.claude-3-5-sonnet"})
	require.Error(t, err)

	_, err = New(Options{Runtime: &stubRuntimeClient{}})
	require.Error(t, err)
}

func TestCompleteText(t *testing.T) {
	rt := &stubRuntimeClient{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role: brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{
						&brtypes.ContentBlockMemberText{Value: "an answer"},
					},
				},
			},
			StopReason: brtypes.StopReasonEndTurn,
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(12),
				OutputTokens: aws.Int32(4),
				TotalTokens:  aws.Int32(16),
			},
		},
	}
	client, err := New(Options{Runtime: rt, DefaultModel: "anthropic.claude-3-5-sonnet", MaxTokens: 100})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be helpful"},
			{Role: model.RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "an answer", resp.Text())
	require.Equal(t, string(brtypes.StopReasonEndTurn), resp.StopReason)
	require.Equal(t, 12, resp.Usage.InputTokens)
	require.Equal(t, 16, resp.Usage.TotalTokens)

	require.NotNil(t, rt.lastInput)
	require.Equal(t, "anthropic.claude-3-5-sonnet", aws.ToString(rt.lastInput.ModelId))
	require.Len(t, rt.lastInput.Messages, 1)
	require.Len(t, rt.lastInput.System, 1)
	require.NotNil(t, rt.lastInput.InferenceConfig)
	require.Equal(t, int32(100), aws.ToInt32(rt.lastInput.InferenceConfig.MaxTokens))
}

func TestCompleteOmitsInferenceConfig(t *testing.T) {
	rt := &stubRuntimeClient{output: &bedrockruntime.ConverseOutput{}}
	client, err := New(Options{Runtime: rt, DefaultModel: "anthropic.claude-3-5-sonnet"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Nil(t, rt.lastInput.InferenceConfig)
}

func TestCompleteUnsupportedRole(t *testing.T) {
	client, err := New(Options{Runtime: &stubRuntimeClient{}, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "tool", Content: "x"}},
	})
	require.Error(t, err)
}

func TestIsRateLimitedIdempotentOnSentinel(t *testing.T) {
	require.True(t, isRateLimited(model.ErrRateLimited))
	require.True(t, isRateLimited(fmt.Errorf("provider: %w", model.ErrRateLimited)))
	require.False(t, isRateLimited(errors.New("boom")))
}

func TestCompleteWrapsThrottlingErrors(t *testing.T) {
	rt := &stubRuntimeClient{
		err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
	}
	client, err := New(Options{Runtime: rt, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCompleteWrapsProviderErrors(t *testing.T) {
	rt := &stubRuntimeClient{
		err: &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"},
	}
	client, err := New(Options{Runtime: rt, DefaultModel: "m"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrRateLimited)
	require.Contains(t, err.Error(), "ValidationException")
}
