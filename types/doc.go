/*
Package types holds the structured error shared by every layerflow package.

types is the lowest package in the tree and imports no internal packages.

# Contents

  - Error / ErrorCode: structured errors with a Retryable flag and session tag
  - AsError / GetErrorCode / IsErrorCode / IsRetryable: chain-aware helpers
*/
package types
