// Package setup loads the daemon configuration and prepares the on-disk
// state kerneld needs before anything else can run.
//
// This package is essentially a collection of scripts and constants, and is
// therefore the only package that is allowed to call a global logger.
package setup
