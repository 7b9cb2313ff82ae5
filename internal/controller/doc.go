// Package controller implements the Kubernetes controller for Application
// resources.
//
// ApplicationReconciler runs one sync cycle per reconcile invocation: it
// fetches the declared Git revision, renders it into Kubernetes objects,
// diffs them against the live resources owned by the Application and applies
// the difference in dependency order. Successful cycles requeue at the
// Application's poll interval; blocking failures requeue with exponential
// backoff.
//
// # Architecture
//
//	┌──────────────┐   watch    ┌─────────────────────────┐
//	│ Application  │───────────>│ ApplicationReconciler   │
//	│ resources    │            │                         │
//	└──────────────┘            │  fetch ─ render ─ diff  │
//	                            └───────────┬─────────────┘
//	                                        │ server-side apply
//	┌──────────────┐    clone/fetch         ▼
//	│ Git          │<──────────┐  ┌─────────────────────┐
//	│ repositories │           └──│ owned cluster state │
//	└──────────────┘              └─────────────────────┘
//
// # Configuration
//
// Controllers are configured via the Config struct which accepts settings
// from CLI flags or environment variables (DW_* prefix).
//
// # Leader Election
//
// When running multiple replicas for high availability, enable leader
// election via --leader-elect flag to ensure only one controller actively
// reconciles resources at a time. The HTTP API keeps serving on every
// replica.
package controller
