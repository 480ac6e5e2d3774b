// Package diagnostics reports on the capacity and health of the host
// running the orchestrator.
//
//   - HostCollector: one-shot report of CPU, memory, load, GPUs, and
//     the fill level of the worktree volume, plus a SpawnHeadroom
//     verdict. `doctor` uses it to judge whether the configured spawn
//     parallelism fits the machine.
//
//   - ProcessMonitor: periodic samples of this process's descriptors,
//     goroutines, and heap while `serve` runs for days, flagging
//     leak-shaped growth.
package diagnostics
