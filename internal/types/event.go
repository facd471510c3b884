package types

// InvoiceEventName names a bus event emitted by invoice generation
type InvoiceEventName string

const (
	InvoiceEventCreated          InvoiceEventName = "invoice.created"
	InvoiceEventPaymentRequested InvoiceEventName = "invoice.payment_requested"
	InvoiceEventAdjusted         InvoiceEventName = "invoice.adjusted"
)
