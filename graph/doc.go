// Package graph implements the evidence orchestration engine: a fixed,
// conditionally-branching execution graph that routes one conversational
// turn through intent classification, query decomposition, parallel document
// retrieval and web search, relevance evaluation, context aggregation, and
// response generation.
//
// The node set and transition table are closed; there is no runtime node
// registry. TurnState flows through nodes as a value, and the engine merges
// node outputs, which makes the retrieve/search fan-in safe without shared
// mutation.
package graph
