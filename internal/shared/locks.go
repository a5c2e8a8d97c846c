package shared

import "fmt"

// CustomerLockKey builds the redis key guarding writes to a customer's ledger.
func CustomerLockKey(customerID int64) string {
	return fmt.Sprintf("billing:customer:%d:lock", customerID)
}
