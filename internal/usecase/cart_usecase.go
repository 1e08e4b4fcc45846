package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"
	"github.com/shopspring/decimal"
)

// CartUsecase は /cart の業務ロジックです。
// Cart と CartItem のRepositoryは分けて受け取ります。
type CartUsecase struct {
	cartRepo     repo.CartRepository
	cartItemRepo repo.CartItemRepository
	productRepo  repo.ProductRepository
	log          *slog.Logger
}

func NewCartUsecase(
	cartRepo repo.CartRepository,
	cartItemRepo repo.CartItemRepository,
	productRepo repo.ProductRepository,
	log *slog.Logger,
) *CartUsecase {
	return &CartUsecase{
		cartRepo:     cartRepo,
		cartItemRepo: cartItemRepo,
		productRepo:  productRepo,
		log:          log,
	}
}

// price は追加・更新時点の価格（スナップショット）
type CartItemOutput struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type CartOutput struct {
	ID          int64            `json:"id"`
	Items       []CartItemOutput `json:"items"`
	TotalAmount decimal.Decimal  `json:"totalAmount"`
}

type CartSummary struct {
	ItemCount     int             `json:"itemCount"`
	TotalQuantity int64           `json:"totalQuantity"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

type CartItemInput struct {
	ProductID int64
	Quantity  int64
}

// カート取得（無ければ作って空を返す）。非公開・削除済み商品の明細はここで消す。
func (u *CartUsecase) GetCart(ctx context.Context, userID int64) (CartOutput, error) {
	if userID <= 0 {
		return CartOutput{}, errUnauthorized()
	}

	cart, err := u.cartRepo.GetOrCreateByUserID(ctx, userID)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: get or create", err, slog.Int64("userId", userID))
	}
	return u.reconcile(ctx, cart)
}

func (u *CartUsecase) Summary(ctx context.Context, userID int64) (CartSummary, error) {
	out, err := u.GetCart(ctx, userID)
	if err != nil {
		return CartSummary{}, err
	}

	var qty int64
	for _, it := range out.Items {
		qty += it.Quantity
	}
	return CartSummary{
		ItemCount:     len(out.Items),
		TotalQuantity: qty,
		TotalAmount:   out.TotalAmount,
	}, nil
}

// カートに追加（同一商品は数量加算、価格は現在価格に更新）。
func (u *CartUsecase) AddItem(ctx context.Context, userID int64, in CartItemInput) (CartOutput, error) {
	if userID <= 0 {
		return CartOutput{}, errUnauthorized()
	}
	if in.ProductID <= 0 {
		return CartOutput{}, errValidation("invalid productId")
	}
	if in.Quantity < 1 {
		return CartOutput{}, errValidation("quantity must be at least 1")
	}

	p, err := u.activeProduct(ctx, in.ProductID)
	if err != nil {
		return CartOutput{}, err
	}

	cart, err := u.cartRepo.GetOrCreateByUserID(ctx, userID)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: get or create", err, slog.Int64("userId", userID))
	}

	// 加算後の数量で在庫チェック
	existingQty, _, err := u.currentQuantity(ctx, cart.ID, in.ProductID)
	if err != nil {
		return CartOutput{}, err
	}
	if newQty := existingQty + in.Quantity; newQty > p.Stock {
		return CartOutput{}, errInsufficientStock(&InsufficientStockError{
			ProductID: p.ID,
			Available: p.Stock,
			Requested: newQty,
		})
	}

	if err := u.cartItemRepo.UpsertAdd(ctx, cart.ID, in.ProductID, in.Quantity, p.Price); err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: upsert item", err,
			slog.Int64("userId", userID), slog.Int64("productId", in.ProductID))
	}

	return u.reconcile(ctx, cart)
}

// 数量を絶対値で変更。0以下は削除APIを使う。
func (u *CartUsecase) SetItemQuantity(ctx context.Context, userID int64, in CartItemInput) (CartOutput, error) {
	if userID <= 0 {
		return CartOutput{}, errUnauthorized()
	}
	if in.ProductID <= 0 {
		return CartOutput{}, errValidation("invalid productId")
	}
	if in.Quantity < 1 {
		return CartOutput{}, errValidation("quantity must be at least 1")
	}

	cart, err := u.cartRepo.GetOrCreateByUserID(ctx, userID)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: get or create", err, slog.Int64("userId", userID))
	}

	if _, found, err := u.currentQuantity(ctx, cart.ID, in.ProductID); err != nil {
		return CartOutput{}, err
	} else if !found {
		return CartOutput{}, errNotFound("cart item not found")
	}

	p, err := u.activeProduct(ctx, in.ProductID)
	if err != nil {
		return CartOutput{}, err
	}
	if in.Quantity > p.Stock {
		return CartOutput{}, errInsufficientStock(&InsufficientStockError{
			ProductID: p.ID,
			Available: p.Stock,
			Requested: in.Quantity,
		})
	}

	ok, err := u.cartItemRepo.SetQuantity(ctx, cart.ID, in.ProductID, in.Quantity, p.Price)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: set quantity", err,
			slog.Int64("userId", userID), slog.Int64("productId", in.ProductID))
	}
	if !ok {
		//直前に消された
		return CartOutput{}, errNotFound("cart item not found")
	}

	return u.reconcile(ctx, cart)
}

// 明細削除（無くてもエラーにしない）
func (u *CartUsecase) RemoveItem(ctx context.Context, userID int64, productID int64) (CartOutput, error) {
	if userID <= 0 {
		return CartOutput{}, errUnauthorized()
	}
	if productID <= 0 {
		return CartOutput{}, errValidation("invalid productId")
	}

	cart, err := u.cartRepo.GetOrCreateByUserID(ctx, userID)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: get or create", err, slog.Int64("userId", userID))
	}
	if err := u.cartItemRepo.DeleteByProduct(ctx, cart.ID, productID); err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: delete item", err,
			slog.Int64("userId", userID), slog.Int64("productId", productID))
	}
	return u.reconcile(ctx, cart)
}

func (u *CartUsecase) Clear(ctx context.Context, userID int64) (CartOutput, error) {
	if userID <= 0 {
		return CartOutput{}, errUnauthorized()
	}

	cart, err := u.cartRepo.GetOrCreateByUserID(ctx, userID)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: get or create", err, slog.Int64("userId", userID))
	}
	if err := u.cartRepo.Clear(ctx, cart.ID); err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: clear", err, slog.Int64("userId", userID))
	}
	return CartOutput{ID: cart.ID, Items: []CartItemOutput{}, TotalAmount: decimal.Zero}, nil
}

// 公開中の商品だけ返す
func (u *CartUsecase) activeProduct(ctx context.Context, productID int64) (model.Product, error) {
	p, err := u.productRepo.FindByID(ctx, productID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Product{}, errNotFound("product not found")
	}
	if err != nil {
		return model.Product{}, errInternal(ctx, u.log, "cart: find product", err, slog.Int64("productId", productID))
	}
	if !p.IsActive {
		return model.Product{}, errProductUnavailable(productID)
	}
	return p, nil
}

func (u *CartUsecase) currentQuantity(ctx context.Context, cartID int64, productID int64) (int64, bool, error) {
	items, err := u.cartItemRepo.ListByCartID(ctx, cartID)
	if err != nil {
		return 0, false, errInternal(ctx, u.log, "cart: list items", err, slog.Int64("cartId", cartID))
	}
	for _, it := range items {
		if it.ProductID == productID {
			return it.Quantity, true, nil
		}
	}
	return 0, false, nil
}

// 明細を読み、消えた商品・非公開商品の明細を削除してから合計を出す。
func (u *CartUsecase) reconcile(ctx context.Context, cart model.Cart) (CartOutput, error) {
	items, err := u.cartItemRepo.ListByCartID(ctx, cart.ID)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: list items", err, slog.Int64("cartId", cart.ID))
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := u.productRepo.ListByIDs(ctx, ids)
	if err != nil {
		return CartOutput{}, errInternal(ctx, u.log, "cart: list products", err, slog.Int64("cartId", cart.ID))
	}
	byID := make(map[int64]model.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	kept := make([]model.CartItem, 0, len(items))
	respItems := make([]CartItemOutput, 0, len(items))
	var stale []int64
	for _, it := range items {
		p, ok := byID[it.ProductID]
		if !ok || !p.IsActive {
			stale = append(stale, it.ProductID)
			continue
		}
		kept = append(kept, it)
		respItems = append(respItems, CartItemOutput{
			ID:        it.ID,
			ProductID: it.ProductID,
			Name:      p.Name,
			Price:     it.UnitPriceSnapshot,
			Quantity:  it.Quantity,
			Subtotal:  it.LineTotal(),
		})
	}

	if len(stale) > 0 {
		if err := u.cartItemRepo.DeleteByProducts(ctx, cart.ID, stale); err != nil {
			return CartOutput{}, errInternal(ctx, u.log, "cart: drop stale items", err, slog.Int64("cartId", cart.ID))
		}
		u.log.InfoContext(ctx, "cart: dropped unavailable items",
			slog.Int64("cartId", cart.ID), slog.Any("productIds", stale))
	}

	return CartOutput{ID: cart.ID, Items: respItems, TotalAmount: model.CartTotal(kept)}, nil
}
