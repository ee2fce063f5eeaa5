// Package types defines the core data model for the event history system:
// historical events with their category variants, resource changes produced
// by the change detector, and the shared error taxonomy.
package types
