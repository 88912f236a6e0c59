// Package notify fans monitoring alerts out to delivery channels.
//
// Channels register a delivery capability (an ID and a Deliver function) and
// may come and go at runtime. NotifyAll snapshots the registered set, attempts
// each channel once, and never lets one channel's failure affect another: a
// failed delivery is logged and swallowed. Callers get back only the count of
// successful deliveries.
package notify
