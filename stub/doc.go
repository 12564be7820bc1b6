// Package stub provides interfaces and stub implementations.
//
// The library packages (smtpclient, smtppool, dns, outbox) use these
// interfaces for their metrics, so software reusing them doesn't have to take
// on a prometheus dependency. Package metrics sets real implementations.
package stub
