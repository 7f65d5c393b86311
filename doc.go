// Package arena provides an A2A-native evaluation orchestrator for
// building-game agents.
//
// Arena drives a remote builder agent through declarative YAML scenarios
// over the A2A (Agent-to-Agent) protocol, scores its replies against
// expected structures, answers its clarification questions, and records a
// replayable transcript of every session.
//
// # Quick Start
//
// Install Arena:
//
//	go install github.com/kadirpekel/arena/cmd/arena@latest
//
// Write a scenario:
//
//	yaml
//	name: blocks
//	participants:
//	  builder: http://localhost:9020
//	steps:
//	  - prompt: "Place a red block on the middle square."
//	    expect: "Red,0,50,0"
//
// Run it directly:
//
//	arena run blocks --builder http://localhost:9020
//
// Or expose the evaluator as an A2A agent of its own:
//
//	arena serve --listen 127.0.0.1:9019 --scenarios ./scenarios
//
// # Key Packages
//
//   - scenario: declarative scenario loading, validation and matching
//   - protocol: A2A client with retry, polling and streaming
//   - orchestrator: the session state machine driving one evaluation run
//   - qa: question-answering providers for builder clarifications
//   - transcript: file and SQL session recorders
//   - server: the A2A evaluation proxy surface
package arena
