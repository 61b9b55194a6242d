// Package reducers holds the built-in channel reducers of the Conduit
// example application and the Catalog that resolves them by name.
//
// Every reducer follows the same contract: business failures are reported
// with resolve(ir.Errors(...)) and leave the state unchanged; a null state
// (an unseeded channel) is treated as empty.
package reducers
