// Package providers defines the external capabilities the engine consumes:
// text embedding, text generation (a fast variant for classification and
// decomposition, a capable variant for final answers), and relevance scoring.
// Implementations wrap remote model APIs; the engine treats them as black
// boxes and recovers locally when they fail.
package providers
