// Package lockout counts authentication failures per principal and
// imposes a cooldown once a threshold of failures lands inside the
// tracking window. Unknown principals are tracked exactly like known
// ones so the tracker never becomes an account-existence oracle.
package lockout
