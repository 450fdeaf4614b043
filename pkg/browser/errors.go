package browser

import (
	"errors"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/authkeeper/pkg/autherr"
)

// classify attaches an autherr code to a raw driver error.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var coded *autherr.Error
	if errors.As(err, &coded) {
		return err
	}

	text := err.Error()
	switch {
	case errors.Is(err, playwright.ErrTimeout), strings.Contains(text, "Timeout"):
		return autherr.Wrap(autherr.CodeTimeout, err, msg)
	case errors.Is(err, playwright.ErrTargetClosed),
		strings.Contains(text, "has been closed"),
		strings.Contains(text, "Target closed"),
		strings.Contains(text, "Connection closed"):
		return autherr.Wrap(autherr.CodeBrowserConnectionLost, err, msg)
	case strings.Contains(text, "net::ERR_"):
		return autherr.Wrap(autherr.CodeNetwork, err, msg)
	}
	return autherr.Wrap(autherr.CodeInternal, err, msg)
}
