// Package trace provides internal logging helpers built on log/slog.
//
// All helpers accept a nil logger and become no-ops, so callers never need
// to branch on whether logging is configured. [Begin] and [Op.End] give
// operation-boundary logs with measured duration.
package trace
