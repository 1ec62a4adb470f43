package share

import (
	"fmt"
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/unpload/unpload/internal/apperr"
)

const maxSlugLength = 64

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// generateSlug draws a nanoid of length characters from alphabet
func generateSlug(alphabet string, length int) (string, error) {
	slug, err := gonanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("failed to generate slug: %w", err)
	}
	return slug, nil
}

// validateCustomSlug checks a caller supplied slug
func validateCustomSlug(slug string, minLength int) error {
	if len(slug) < minLength {
		return apperr.Validation(fmt.Sprintf("slug must be at least %d characters", minLength))
	}
	if len(slug) > maxSlugLength {
		return apperr.Validation(fmt.Sprintf("slug must be at most %d characters", maxSlugLength))
	}
	if !slugPattern.MatchString(slug) {
		return apperr.Validation("slug may only contain letters, digits, '-' and '_'")
	}
	return nil
}
