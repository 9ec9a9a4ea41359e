// Package model defines the domain types shared by all buildctx packages.
//
// Types here are plain data: sync changes and statistics, pipeline run
// records, image metadata recovered from Docker labels, and the CLIError
// type that carries a process exit code up to the command layer.
package model
