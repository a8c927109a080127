// Package retrieval implements the indexing and search side of the engine:
// document chunking (flat and hierarchical), embedding with a content-hash
// cache, scoped vector storage, and the retriever that answers
// "top-K relevant chunks for this query in this scope".
//
// Indexing is idempotent under the document content hash: re-indexing
// unchanged content is a no-op, and deleting a scope removes every chunk
// belonging to it before the call returns.
package retrieval
