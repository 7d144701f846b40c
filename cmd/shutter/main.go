// Shutter - automated remediation of EC2 instances exposing open SSH or the
// default security group.
// Evaluate. Route. Stop or lock.
package main

func main() {
	Execute()
}
