// Package zonescribe is an autonomous research pipeline for game-world
// lore.
//
// Given a target zone, a zonescribe worker drives a fixed sequence of
// research, extraction, and cross-reference steps and publishes a
// structured lore package. The pipeline checkpoints after every step, so a
// crashed or paused job resumes exactly where it left off; token spend is
// accounted per job with pre-flight reservation, and progress events are
// published to a message bus.
//
// # Quick Start
//
// Install the worker:
//
//	go install github.com/kadirpekel/zonescribe/cmd/zonescribe@latest
//
// Point it at a configuration document and run a job:
//
//	zonescribe run --config zonescribe.yaml --target "Duskwood"
//
// Serve the summarizer as a remote tool server:
//
//	zonescribe summarizer --config zonescribe.yaml
//
// # Architecture
//
// The core subsystems:
//
//   - pkg/pipeline: the step engine with checkpointing, budget gates,
//     error classification, content accumulation, and package assembly
//   - pkg/runtime: the provider-agnostic LLM driver with remote tool
//     access and structured-output contracts
//   - pkg/summarize: map-reduce text compression with structural chunking
//     and bounded concurrency, also exposed as a tool server
//
// Supporting packages: pkg/model (anthropic/openai/gemini providers),
// pkg/tool (streamable-HTTP tool clients), pkg/checkpoint (file and
// sqlite stores), pkg/budget (token ledger), pkg/chunk, pkg/schema,
// pkg/prompt, pkg/bus, pkg/config.
//
// External collaborators (the job dispatcher, search and crawler tool
// servers, vector storage) are reached only through their wire contracts;
// see the tools section of the configuration document.
package zonescribe
