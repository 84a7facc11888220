package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/merlin/internal/mr"
)

// MockClient provides deterministic local replies when no provider
// credentials are configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) ExtractRelation(ctx context.Context, _, _ string, transcript []mr.Turn) (string, bool, error) {
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	default:
	}

	last := lastUserTurn(transcript)
	if last == "" || strings.HasSuffix(last, "?") {
		return "", false, nil
	}
	return fmt.Sprintf("Applying the operation described by %q twice should produce the same result as applying it once.", clip(last, 60)), true, nil
}

func (c *MockClient) GenerateDriver(ctx context.Context, _, description, language string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if strings.EqualFold(strings.TrimSpace(language), "python") {
		return fmt.Sprintf("def test_metamorphic_relation():\n    # %s\n    print('Test logic executed.')\n", description), nil
	}
	return fmt.Sprintf("// %s\nfunc testMetamorphicRelation() {\n}\n", description), nil
}

func lastUserTurn(transcript []mr.Turn) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == mr.RoleUser {
			return strings.TrimSpace(transcript[i].Content)
		}
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
