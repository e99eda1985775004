// Package services holds the local application services of the client:
// record and folder editing that queues remote delivery, and device identity.
package services
