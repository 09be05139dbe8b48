// Package optimistic implements the layered mutation engine.
//
// A call to [Engine.Modify] runs a builder against a transactional layer
// stacked above the baseline graph. Layer operations — entity patches and
// deletes, connection node insertion and removal, container patches —
// apply to the graph immediately, so readers always see baseline plus
// all active layers in insertion order. Each layer captures the baseline
// of every record and connection it touches on first contact.
//
// Reverting a layer restores its captured baselines and replays the
// operations of every later active layer, so independent layers compose:
// reverting an earlier layer preserves later layers' mutations.
// Committing re-runs the builder in the commit phase with the server
// payload, maps placeholder ids to server ids positionally per
// operation, rewrites the placeholders everywhere, and folds the layer
// into the baseline.
package optimistic
