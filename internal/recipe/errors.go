package recipe

import "errors"

// Domain errors for the recipe package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, recipe.ErrAlreadyExecuting) {
//	    // handle busy executor
//	}
var (
	// ErrAlreadyExecuting is returned when Execute is called while a
	// recipe is running.
	ErrAlreadyExecuting = errors.New("recipe: execution already in progress")

	// ErrEmptyRecipe is returned when a recipe has no steps.
	ErrEmptyRecipe = errors.New("recipe: recipe has no steps")

	// ErrNotExecuting is returned when Cancel is called with no recipe
	// running.
	ErrNotExecuting = errors.New("recipe: no execution in progress")

	// ErrInvalidRecipe is returned when recipe validation fails.
	ErrInvalidRecipe = errors.New("recipe: invalid recipe")
)
