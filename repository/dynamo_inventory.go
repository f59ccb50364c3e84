package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const maxStockCASAttempts = 5

var ErrStockContention = errors.New("stock update lost too many races")

// DynamoAPI is the part of the DynamoDB client the ledger uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoInventoryLedger keeps stock in a DynamoDB table keyed by product_id.
// The common case is one conditional UpdateItem; backorder clamping and
// restoration use read-then-conditional-write with retries.
type DynamoInventoryLedger struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

func NewDynamoInventoryLedger(client DynamoAPI, table string) *DynamoInventoryLedger {
	return &DynamoInventoryLedger{client: client, table: table, now: time.Now}
}

type dynamoStockItem struct {
	ProductID       string `dynamodbav:"product_id"`
	StockQuantity   int    `dynamodbav:"stock_quantity"`
	PurchaseCount   int    `dynamodbav:"purchase_count"`
	ManageStock     bool   `dynamodbav:"manage_stock"`
	InfiniteStock   bool   `dynamodbav:"infinite_stock"`
	AllowBackorders bool   `dynamodbav:"allow_backorders"`
}

func (i *dynamoStockItem) tracksStock() bool {
	return i.ManageStock && !i.InfiniteStock
}

func (l *DynamoInventoryLedger) Deduct(ctx context.Context, productID uuid.UUID, quantity int) (DeductOutcome, error) {
	for attempt := 0; attempt < maxStockCASAttempts; attempt++ {
		item, err := l.update(ctx, productID,
			"SET stock_quantity = stock_quantity - :qty, updated_at = :now ADD purchase_count :qty",
			"attribute_exists(product_id) AND manage_stock = :true AND infinite_stock = :false AND stock_quantity >= :qty",
			map[string]types.AttributeValue{":qty": number(quantity)})
		if err == nil {
			return DeductOutcome{Status: Deducted}, nil
		}
		if !errors.Is(err, errConditionFailed) {
			return DeductOutcome{}, err
		}

		if item == nil {
			if item, err = l.get(ctx, productID); err != nil {
				return DeductOutcome{}, err
			}
		}
		if item == nil {
			return DeductOutcome{Status: ProductMissing}, nil
		}

		switch {
		case !item.tracksStock():
			_, err = l.update(ctx, productID,
				"SET updated_at = :now ADD purchase_count :qty",
				"attribute_exists(product_id) AND (manage_stock = :false OR infinite_stock = :true)",
				map[string]types.AttributeValue{":qty": number(quantity)})
			if err == nil {
				return DeductOutcome{Status: CountedOnly}, nil
			}
		case item.StockQuantity >= quantity:
			// stock was replenished between the write and the read
			continue
		case !item.AllowBackorders:
			return DeductOutcome{Status: Insufficient, Available: item.StockQuantity}, nil
		default:
			_, err = l.update(ctx, productID,
				"SET stock_quantity = :zero, updated_at = :now ADD purchase_count :qty",
				"stock_quantity = :seen AND allow_backorders = :true AND manage_stock = :true AND infinite_stock = :false",
				map[string]types.AttributeValue{
					":qty":  number(quantity),
					":zero": number(0),
					":seen": number(item.StockQuantity),
				})
			if err == nil {
				return DeductOutcome{Status: Deducted}, nil
			}
		}
		if !errors.Is(err, errConditionFailed) {
			return DeductOutcome{}, err
		}
	}
	return DeductOutcome{}, fmt.Errorf("deduct %s: %w", productID, ErrStockContention)
}

func (l *DynamoInventoryLedger) Restore(ctx context.Context, productID uuid.UUID, quantity int) error {
	for attempt := 0; attempt < maxStockCASAttempts; attempt++ {
		item, err := l.get(ctx, productID)
		if err != nil {
			return err
		}
		if item == nil {
			return ErrNotFound
		}
		if !item.tracksStock() {
			return nil
		}

		stock := item.StockQuantity + quantity
		purchases := item.PurchaseCount - quantity
		if purchases < 0 {
			purchases = 0
		}

		_, err = l.update(ctx, productID,
			"SET stock_quantity = :stock, purchase_count = :purchases, updated_at = :now",
			"stock_quantity = :seenStock AND purchase_count = :seenPurchases",
			map[string]types.AttributeValue{
				":stock":         number(stock),
				":purchases":     number(purchases),
				":seenStock":     number(item.StockQuantity),
				":seenPurchases": number(item.PurchaseCount),
			})
		if err == nil {
			return nil
		}
		if !errors.Is(err, errConditionFailed) {
			return err
		}
	}
	return fmt.Errorf("restore %s: %w", productID, ErrStockContention)
}

var errConditionFailed = errors.New("condition check failed")

// update runs a conditional UpdateItem. On a failed condition it returns
// errConditionFailed and, when DynamoDB included it, the item as it was.
func (l *DynamoInventoryLedger) update(ctx context.Context, productID uuid.UUID, expr, cond string, values map[string]types.AttributeValue) (*dynamoStockItem, error) {
	values[":now"] = &types.AttributeValueMemberS{Value: l.now().UTC().Format(time.RFC3339)}
	if strings.Contains(cond, ":true") {
		values[":true"] = &types.AttributeValueMemberBOOL{Value: true}
	}
	if strings.Contains(cond, ":false") {
		values[":false"] = &types.AttributeValueMemberBOOL{Value: false}
	}

	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(l.table),
		Key:                                 productKey(productID),
		UpdateExpression:                    aws.String(expr),
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return nil, fmt.Errorf("dynamodb UpdateItem failed for %s: %w", productID, err)
	}
	if len(ccf.Item) == 0 {
		return nil, errConditionFailed
	}
	var item dynamoStockItem
	if err := attributevalue.UnmarshalMap(ccf.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal stock item: %w", err)
	}
	return &item, errConditionFailed
}

func (l *DynamoInventoryLedger) get(ctx context.Context, productID uuid.UUID) (*dynamoStockItem, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            productKey(productID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed for %s: %w", productID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item dynamoStockItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal stock item: %w", err)
	}
	return &item, nil
}

func productKey(productID uuid.UUID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"product_id": &types.AttributeValueMemberS{Value: productID.String()},
	}
}

func number(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}
