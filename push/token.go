package push

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FileTokenSource reads a registration token written by the browser helper.
type FileTokenSource struct {
	Path string
}

// Token implements TokenSource. The vapid key is used by the browser when
// minting the token and is not needed to read it back.
func (f FileTokenSource) Token(_ context.Context, _ string) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("token file is empty")
	}
	return token, nil
}
