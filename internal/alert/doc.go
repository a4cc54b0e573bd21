// Package alert delivers emergency notifications raised by a duress
// unlock. Delivery is a durable audit record addressed to the configured
// emergency contact; an external relay reads the trail.
package alert
