// Package store declares the repository used to persist fetch provider statistics.
package store
