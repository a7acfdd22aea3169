// Package cireilclaw is a multi-agent orchestrator hosting long-lived
// conversational assistants. Each agent is an independent principal with its
// own configuration, memory files, session database, sandboxed workspace,
// and identity on one or more chat channels.
//
// Four subsystems implement one agent's behavior:
//
//   - the turn engine ([Engine]) — an iterative tool-call loop driving a
//     chat-completion model, multiplexing tool invocations per iteration
//     while keeping strict history ordering
//   - the session store ([SessionStore]) — durable per-agent conversation
//     state with image deduplication and debounced write-back
//   - the scheduler ([Scheduler]) — heartbeat and cron drivers injecting
//     scheduled turns into sessions under a single-flight gate
//   - the sandbox executor (package sandbox) — a user-namespace jail with a
//     binary allowlist and a virtual path resolver
//
// The [Harness] owns agents, schedulers, and per-channel send handlers, and
// drives graceful shutdown. Concrete collaborators plug in behind the small
// interfaces defined here: [Provider] (package provider/openaicompat),
// [SessionStore] (packages store/sqlite and store/postgres), [Tool]
// (packages under tools/), and the channel adapters (packages under
// channel/).
package cireilclaw
