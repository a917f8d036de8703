// Package log provides structured logging for the agent via zerolog: a
// global Logger configured once by Init, and component-scoped child
// loggers (WithComponent, WithJobID) for the reconciler, reactor, agent
// and runtime packages to attach context without passing a logger through
// every call.
package log
