// Package mongo is the production MongoDB backend. It implements the
// queue store on multi-document transactions (a replica set or mongos
// deployment is required) and the rate-limit store on atomic
// fixed-window upserts.
package mongo
